// Package resilience guards calls to flaky dependencies such as the event
// broker.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitBreakerOpen is returned without calling the dependency while
// the breaker is open.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// MaxFailures consecutive failures open the breaker. Defaults to 5.
	MaxFailures int
	// Cooldown is how long the breaker stays open before one probe call
	// is let through. Defaults to 30s.
	Cooldown time.Duration
	// OnStateChange, when set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(from, to State)

	now func() time.Time
}

// Breaker is a consecutive-failure circuit breaker. In half-open state a
// single probe runs at a time; its result closes or reopens the breaker.
type Breaker struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn unless the breaker is open. Cancellation of the caller's
// context is not held against the dependency.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker and forgets past failures.
func (b *Breaker) Reset() {
	b.transition(func() {
		b.failures = 0
		b.probing = false
		b.state = StateClosed
	})
}

func (b *Breaker) admit() (probe bool, err error) {
	b.transition(func() {
		switch b.state {
		case StateOpen:
			if b.cfg.now().Sub(b.openedAt) < b.cfg.Cooldown {
				err = ErrCircuitBreakerOpen
				return
			}
			b.state = StateHalfOpen
			b.probing = true
			probe = true
		case StateHalfOpen:
			if b.probing {
				err = ErrCircuitBreakerOpen
				return
			}
			b.probing = true
			probe = true
		}
	})
	return probe, err
}

func (b *Breaker) record(probe bool, err error) {
	if errors.Is(err, context.Canceled) {
		if probe {
			b.transition(func() { b.probing = false })
		}
		return
	}
	b.transition(func() {
		if probe {
			b.probing = false
		}
		if err == nil {
			b.failures = 0
			b.state = StateClosed
			return
		}
		b.failures++
		if probe || b.failures >= b.cfg.MaxFailures {
			b.state = StateOpen
			b.openedAt = b.cfg.now()
			b.failures = 0
		}
	})
}

// transition runs fn under the lock and reports a state change.
func (b *Breaker) transition(fn func()) {
	b.mu.Lock()
	from := b.state
	fn()
	to := b.state
	b.mu.Unlock()
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
