package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithTimeout_ReturnsResult(t *testing.T) {
	want := errors.New("handler failed")
	if err := WithTimeout(context.Background(), time.Second, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestWithTimeout_AbandonsSlowCalls(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	err := WithTimeout(context.Background(), 20*time.Millisecond, func(context.Context) error {
		<-block
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("returned after %s", elapsed)
	}
}

func TestWithTimeout_PassesDeadline(t *testing.T) {
	err := WithTimeout(context.Background(), time.Minute, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("missing deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWithTimeout_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithTimeout(ctx, time.Minute, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestWithTimeout_ZeroRunsInline(t *testing.T) {
	err := WithTimeout(context.Background(), 0, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			return errors.New("unexpected deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
