package queue

import (
	"errors"
	"fmt"

	"github.com/ordefy/ordefy/internal/statehook"
)

var (
	// ErrValidation classifies malformed input such as an invalid topic or payload.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized classifies a missing or mismatched request signature.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnknownTenant classifies a shop that maps to no active tenant.
	ErrUnknownTenant = errors.New("unknown tenant")
	// ErrNotFound classifies a missing job.
	ErrNotFound = errors.New("job not found")
	// ErrConflict classifies a job that is not in the status an operation expects.
	ErrConflict = errors.New("job state conflict")
	// ErrDuplicateDelivery is returned by Enqueue when the tenant already has
	// a job for the delivery id.
	ErrDuplicateDelivery = fmt.Errorf("%w: duplicate delivery", ErrConflict)
	// ErrNoHandler classifies a job whose topic has no registered handler.
	ErrNoHandler = errors.New("no handler")
	// ErrPermanent marks a handler failure that retrying cannot fix. Handlers
	// wrap it to fail the job without further attempts.
	ErrPermanent = errors.New("permanent failure")
	// ErrInvalidTransition is returned for a status change the job state
	// machine does not allow.
	ErrInvalidTransition = statehook.ErrInvalidTransition
)

func queueError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// Permanent wraps err so the worker fails the job immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}
