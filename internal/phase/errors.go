package phase

import (
	"errors"
	"fmt"

	"github.com/wifientist/rtools2-sub001/internal/ruckus"
)

// ErrorKind classifies a phase failure.
type ErrorKind string

const (
	// KindInput means the phase received unusable inputs.
	KindInput ErrorKind = "input"
	// KindUpstream means the upstream API failed after retries.
	KindUpstream ErrorKind = "upstream"
	// KindTimeout means an upstream activity exhausted its polling budget.
	KindTimeout ErrorKind = "timeout"
	// KindConflict means validation found a blocking conflict.
	KindConflict ErrorKind = "conflict"
	// KindInternal covers everything else.
	KindInternal ErrorKind = "internal"
)

// Error is how a phase signals failure. The scheduler records it against
// the unit (per-unit phases) or the job (global phases).
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a phase error.
func Errorf(kind ErrorKind, retryable bool, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// FromUpstream converts an upstream client error into a phase error,
// classifying retryability from the HTTP status.
func FromUpstream(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{
		Kind:      KindUpstream,
		Message:   err.Error(),
		Retryable: ruckus.IsRetryable(err),
	}
}

// AsPhaseError extracts a *Error from err, wrapping unknown errors as
// internal.
func AsPhaseError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}
