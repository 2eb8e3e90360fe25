package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid tasks and schedules.
	ErrValidation = errors.New("scheduler validation error")
	// ErrConflict classifies state conflicts such as a duplicate task or a
	// lease held by someone else.
	ErrConflict = errors.New("scheduler conflict")
	// ErrNotFound classifies unknown task names.
	ErrNotFound = errors.New("scheduler task not found")
	// ErrRetryable classifies transient lock backend failures.
	ErrRetryable = errors.New("scheduler retryable error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("scheduler invalid argument")
	// ErrNotInitialized classifies use of a provider without a backend.
	ErrNotInitialized = errors.New("scheduler not initialized")
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
