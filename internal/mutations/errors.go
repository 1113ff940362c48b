package mutations

import (
	"errors"
	"fmt"
)

var (
	errMissingGateway    = errors.New("gateway is required")
	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// QueueError carries an "<operation>.<reason>" code for queue failures that are not
// attributable to a single memo.
type QueueError struct {
	code string
	err  error
}

func (e *QueueError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueueError) Unwrap() error {
	return e.err
}

func (e *QueueError) Code() string {
	return e.code
}

const (
	opQueueNew    = "mutations.queue.new"
	opQueueSubmit = "mutations.submit"
)

func newQueueError(operation, reason string, cause error) error {
	return &QueueError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
