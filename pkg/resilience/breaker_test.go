package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var errBroker = errors.New("broker unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(maxFailures int, cooldown time.Duration) (*Breaker, *fakeClock, *[]string) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []string
	b := NewBreaker(BreakerConfig{
		MaxFailures: maxFailures,
		Cooldown:    cooldown,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
		now: clock.Now,
	})
	return b, clock, &transitions
}

func fail() error    { return errBroker }
func succeed() error { return nil }

func TestBreaker_OpensAndRecovers(t *testing.T) {
	b, clock, transitions := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Do(fail); !errors.Is(err, errBroker) {
			t.Fatalf("call %d: expected broker error, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	called := false
	if err := b.Do(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitBreakerOpen) || called {
		t.Fatalf("open breaker must reject without calling, got %v", err)
	}

	clock.Advance(time.Minute)
	if err := b.Do(succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(*transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", *transitions, want)
	}
	for i := range want {
		if (*transitions)[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", *transitions, want)
		}
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock, _ := newTestBreaker(1, time.Second)
	_ = b.Do(fail)
	clock.Advance(time.Second)

	if err := b.Do(fail); !errors.Is(err, errBroker) {
		t.Fatalf("expected probe to run, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected reopened, got %s", b.State())
	}
	if err := b.Do(succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("cooldown restarts after a failed probe, got %v", err)
	}
}

func TestBreaker_SingleProbeInHalfOpen(t *testing.T) {
	b, clock, _ := newTestBreaker(1, time.Second)
	_ = b.Do(fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	if err := b.Do(succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("second caller during probe: expected open, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b, _, _ := newTestBreaker(1, time.Minute)
	err := b.Do(func() error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation passed through, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("cancellation must not open the breaker, got %s", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _, _ := newTestBreaker(1, time.Hour)
	_ = b.Do(fail)
	b.Reset()
	if err := b.Do(succeed); err != nil || b.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %v %s", err, b.State())
	}
}

func TestBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{})
	if b.cfg.MaxFailures != 5 || b.cfg.Cooldown != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", b.cfg)
	}
}

// A success anywhere in a run of failures resets the count, so the breaker
// opens exactly when the trailing run of failures reaches MaxFailures.
func TestBreaker_OpensOnConsecutiveFailuresProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("open iff a run of failures reached the threshold", prop.ForAll(
		func(maxFailures int, outcomes []bool) bool {
			b, _, _ := newTestBreaker(maxFailures, time.Hour)
			run, opened := 0, false
			for _, ok := range outcomes {
				if opened {
					break
				}
				if ok {
					_ = b.Do(succeed)
					run = 0
				} else {
					_ = b.Do(fail)
					run++
				}
				opened = run >= maxFailures
			}
			return (b.State() == StateOpen) == opened
		},
		gen.IntRange(1, 6),
		gen.SliceOf(gen.Bool()),
	))
	properties.TestingRun(t)
}
