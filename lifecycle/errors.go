package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Cancel for an unknown or already-completed
// request id. Callers may treat it as a no-op rather than a hard error.
var ErrNotFound = errors.New("request not found")

// ErrManagerClosed is returned by Submit after Close.
var ErrManagerClosed = errors.New("lifecycle manager closed")

// RateLimitedError reports an admission denial. The request is terminal;
// the caller may resubmit after RetryAfter.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ValidationError reports params rejected by the validation hook before
// invocation. Terminal for the request, never retried.
type ValidationError struct {
	ToolID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for tool %s: %s", e.ToolID, e.Reason)
}

// InvocationError reports a failure returned (or recovered) from the
// ToolInvoker. Terminal for the request and recorded in metrics as failed.
type InvocationError struct {
	ToolID string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %s invocation failed: %v", e.ToolID, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
