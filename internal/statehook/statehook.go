// Package statehook maps status transitions to side effects.
//
// A Table doubles as the allowed-transition list of a state machine: a
// transition that was never registered is rejected, and every hook of a
// registered transition runs in registration order. Callers fire the table
// inside the transaction that persists the new status so that the status
// change and its side effects commit or roll back together.
package statehook

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned when firing a transition that is not registered.
var ErrInvalidTransition = errors.New("invalid status transition")

// Hook is a side effect bound to a transition. Subject is the entity whose
// status changes.
type Hook[S comparable, T any] func(ctx context.Context, subject T, from, to S) error

// Transition is one (from, to) pair.
type Transition[S comparable] struct {
	From S
	To   S
}

// Table is safe for concurrent use. Registration normally happens once at
// startup and Fire is called from many goroutines.
type Table[S comparable, T any] struct {
	mu    sync.RWMutex
	order []Transition[S]
	hooks map[Transition[S]][]Hook[S, T]
}

// New returns an empty table.
func New[S comparable, T any]() *Table[S, T] {
	return &Table[S, T]{hooks: make(map[Transition[S]][]Hook[S, T])}
}

// Allow registers from -> to with optional hooks. Registering the same pair
// again appends hooks.
func (t *Table[S, T]) Allow(from, to S, hooks ...Hook[S, T]) *Table[S, T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := Transition[S]{From: from, To: to}
	existing, ok := t.hooks[key]
	if !ok {
		t.order = append(t.order, key)
	}
	for _, h := range hooks {
		if h != nil {
			existing = append(existing, h)
		}
	}
	t.hooks[key] = existing
	return t
}

// On is Allow for a single hook.
func (t *Table[S, T]) On(from, to S, hook Hook[S, T]) *Table[S, T] {
	return t.Allow(from, to, hook)
}

// Allowed reports whether from -> to is registered.
func (t *Table[S, T]) Allowed(from, to S) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.hooks[Transition[S]{From: from, To: to}]
	return ok
}

// Transitions returns the registered pairs in registration order.
func (t *Table[S, T]) Transitions() []Transition[S] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Transition[S](nil), t.order...)
}

// Fire validates from -> to and runs its hooks, stopping at the first error.
// A transition to the same status is a no-op and runs nothing.
func (t *Table[S, T]) Fire(ctx context.Context, subject T, from, to S) error {
	if from == to {
		return nil
	}
	t.mu.RLock()
	hooks, ok := t.hooks[Transition[S]{From: from, To: to}]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, from, to)
	}
	for i, h := range hooks {
		if err := h(ctx, subject, from, to); err != nil {
			return fmt.Errorf("hook %d for %v -> %v: %w", i, from, to, err)
		}
	}
	return nil
}
