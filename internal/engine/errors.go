package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the engine was torn down.
	ErrClosed = errors.New("engine: closed")

	errMissingBaseURL = errors.New("base url is required")
)

// EngineError carries an "<operation>.<reason>" code for engine lifecycle failures.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

func (e *EngineError) Code() string {
	return e.code
}

const (
	opEngineOpen           = "engine.open"
	opEngineReauthenticate = "engine.reauthenticate"
)

func newEngineError(operation, reason string, cause error) error {
	return &EngineError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
