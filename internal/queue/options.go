package queue

import (
	"github.com/google/uuid"

	"github.com/ordefy/ordefy/internal/statehook"
)

// StoreOption configures a Store implementation.
type StoreOption func(*storeOptions)

type storeOptions struct {
	transitions *statehook.Table[Status, *Job]
	newID       func() string
}

func defaultStoreOptions() storeOptions {
	return storeOptions{
		transitions: Transitions(),
		newID:       uuid.NewString,
	}
}

// WithTransitions replaces the job state machine, typically to attach hooks
// to Transitions().
func WithTransitions(table *statehook.Table[Status, *Job]) StoreOption {
	return func(o *storeOptions) {
		if table != nil {
			o.transitions = table
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(fn func() string) StoreOption {
	return func(o *storeOptions) {
		if fn != nil {
			o.newID = fn
		}
	}
}
