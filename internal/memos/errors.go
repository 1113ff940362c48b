package memos

import (
	"errors"
	"fmt"
)

// Failure categories reported to the presentation layer instead of raw transport detail.
const (
	CategoryAuth        = "auth"
	CategoryNetwork     = "network"
	CategoryTimeout     = "timeout"
	CategoryRateLimited = "rate_limited"
	CategoryCircuitOpen = "circuit_open"
	CategoryRemote      = "remote"
	CategoryConflict    = "conflict"
	CategoryInvalid     = "invalid"
	CategoryCanceled    = "canceled"
	CategoryDependency  = "dependency"
	CategoryUnknown     = "unknown"
)

var (
	// ErrUnknownTarget indicates a mutation names a memo the store does not hold.
	ErrUnknownTarget = errors.New("memos: unknown mutation target")
	// ErrQueueClosed indicates the mutation queue was torn down before submission.
	ErrQueueClosed = errors.New("memos: mutation queue closed")
	// ErrDependencyFailed indicates a mutation queued behind a failed CREATE of the same memo.
	ErrDependencyFailed = errors.New("memos: preceding create failed")
)

// AuthError reports credentials rejected by the server. It is never retried automatically.
type AuthError struct {
	Op         string
	Target     string
	StatusCode int
	Cause      error
}

func (e *AuthError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("memos: %s: credentials rejected", e.Op)
	}
	return fmt.Sprintf("memos: %s: credentials rejected (%d)", e.Op, e.StatusCode)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// TransientError reports a transport failure that may succeed when retried.
type TransientError struct {
	Op       string
	Target   string
	Category string
	Cause    error
}

func (e *TransientError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("memos: %s: transient failure (%s)", e.Op, e.Category)
	}
	return fmt.Sprintf("memos: %s %s: transient failure (%s)", e.Op, e.Target, e.Category)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// RemoteError reports a well-formed rejection from the server.
type RemoteError struct {
	Op         string
	Target     string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("memos: %s: remote error %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("memos: %s: remote error %d: %s", e.Op, e.StatusCode, e.Message)
}

// ConflictError is the RemoteError raised when the server copy moved ahead of a local UPDATE.
type ConflictError struct {
	RemoteError
}

func (e *ConflictError) Error() string {
	return "memos: conflict: " + e.RemoteError.Error()
}

func (e *ConflictError) Unwrap() error {
	return &e.RemoteError
}

// IsAuth reports whether err is or wraps an AuthError.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var conflictErr *ConflictError
	return errors.As(err, &conflictErr)
}

// Category maps an error onto a user-facing category label.
func Category(err error) string {
	var (
		authErr      *AuthError
		transientErr *TransientError
		conflictErr  *ConflictError
		remoteErr    *RemoteError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return CategoryAuth
	case errors.As(err, &transientErr):
		return transientErr.Category
	case errors.As(err, &conflictErr):
		return CategoryConflict
	case errors.As(err, &remoteErr):
		return CategoryRemote
	case errors.Is(err, ErrInvalidDelta), errors.Is(err, ErrInvalidMemoID), errors.Is(err, ErrUnknownTarget):
		return CategoryInvalid
	case errors.Is(err, ErrQueueClosed):
		return CategoryCanceled
	case errors.Is(err, ErrDependencyFailed):
		return CategoryDependency
	default:
		return CategoryUnknown
	}
}
