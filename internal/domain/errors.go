package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across intake, store and HTTP layers.
// Wrap with fmt.Errorf("...: %w", err) to add detail; match with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrAuth       = errors.New("unauthorized")

	// ErrConflict covers optimistic-update losses: a conditional status
	// transition whose precondition no longer holds, or scheduling a draft
	// that already has a pending schedule.
	ErrConflict = errors.New("conflict")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// PublishError is returned by a Publisher. Transient failures are retried by
// the dispatch loop; terminal ones are not.
type PublishError struct {
	Transient bool
	Msg       string
	Cause     error
}

func (e *PublishError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("publish: %s: %v", e.Msg, e.Cause)
	}
	return "publish: " + e.Msg
}

func (e *PublishError) Unwrap() error { return e.Cause }

// IsTransientPublish reports whether err should be retried by dispatch.
// Unknown error kinds (network timeouts, context deadline) count as transient.
func IsTransientPublish(err error) bool {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}
