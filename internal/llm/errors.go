// This file defines the failure taxonomy for model-service calls.
// Every error returned by the client wraps one of these kinds so that
// callers can map a failure to exactly one user-facing category.
package llm

import (
	"errors"
	"fmt"
)

// Kind classifies a model-service failure.
type Kind int

const (
	// KindUnreachable means the service could not be connected to at all.
	// Not retried: the service is down, not overloaded.
	KindUnreachable Kind = iota

	// KindOverloaded means the service timed out or returned 5xx for
	// every attempt the retry policy allowed.
	KindOverloaded

	// KindBadRequest means the service rejected the request with a 4xx
	// status. Not retryable; indicates a caller bug such as a malformed
	// turn list.
	KindBadRequest

	// KindProtocol means the service answered 2xx but the body was
	// missing or malformed. The service is reachable but broken; never
	// silently treated as an empty reply.
	KindProtocol
)

// String returns the kind's name for logging.
func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindOverloaded:
		return "overloaded"
	case KindBadRequest:
		return "bad_request"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is a classified model-service failure.
type Error struct {
	Kind   Kind
	Status int // HTTP status when one was received, else 0
	Msg    string
	Err    error // underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("model service %s (HTTP %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("model service %s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err. The second return is false
// when err is not a classified model-service error.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}
