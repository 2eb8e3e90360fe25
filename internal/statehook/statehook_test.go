package statehook

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type order struct{ id string }

func TestTable_FireRunsHooksInOrder(t *testing.T) {
	var calls []string
	tbl := New[string, order]().
		Allow("pending", "shipped",
			func(_ context.Context, o order, from, to string) error {
				calls = append(calls, "first:"+o.id+":"+from+"->"+to)
				return nil
			},
			func(context.Context, order, string, string) error {
				calls = append(calls, "second")
				return nil
			},
		)

	if err := tbl.Fire(context.Background(), order{id: "o1"}, "pending", "shipped"); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(calls) != 2 || calls[0] != "first:o1:pending->shipped" || calls[1] != "second" {
		t.Fatalf("unexpected calls: %v", calls)
	}
}

func TestTable_RejectsUnregisteredTransition(t *testing.T) {
	tbl := New[string, order]().Allow("pending", "confirmed")

	err := tbl.Fire(context.Background(), order{}, "confirmed", "pending")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if tbl.Allowed("confirmed", "pending") {
		t.Fatal("reverse transition must not be allowed")
	}
	if !tbl.Allowed("pending", "confirmed") {
		t.Fatal("registered transition must be allowed")
	}
}

func TestTable_SameStatusIsNoop(t *testing.T) {
	called := false
	tbl := New[string, order]().On("a", "a", func(context.Context, order, string, string) error {
		called = true
		return nil
	})
	if err := tbl.Fire(context.Background(), order{}, "b", "b"); err != nil {
		t.Fatalf("same-status fire must not fail: %v", err)
	}
	if err := tbl.Fire(context.Background(), order{}, "a", "a"); err != nil || called {
		t.Fatalf("same-status fire must not run hooks, err=%v called=%v", err, called)
	}
}

func TestTable_StopsAtFirstHookError(t *testing.T) {
	boom := errors.New("boom")
	secondRan := false
	tbl := New[string, order]().
		On("a", "b", func(context.Context, order, string, string) error { return boom }).
		On("a", "b", func(context.Context, order, string, string) error {
			secondRan = true
			return nil
		})

	err := tbl.Fire(context.Background(), order{}, "a", "b")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped hook error, got %v", err)
	}
	if secondRan {
		t.Fatal("later hooks must not run after a failure")
	}
}

func TestTable_TransitionsKeepRegistrationOrder(t *testing.T) {
	tbl := New[int, struct{}]().Allow(1, 2).Allow(2, 3).Allow(1, 2)
	got := tbl.Transitions()
	if len(got) != 2 || got[0] != (Transition[int]{1, 2}) || got[1] != (Transition[int]{2, 3}) {
		t.Fatalf("unexpected transitions: %v", got)
	}
}

func TestTable_ConcurrentFire(t *testing.T) {
	var mu sync.Mutex
	count := 0
	tbl := New[string, int]().On("x", "y", func(context.Context, int, string, string) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = tbl.Fire(context.Background(), i, "x", "y")
		}(i)
	}
	wg.Wait()
	if count != 50 {
		t.Fatalf("expected 50 hook runs, got %d", count)
	}
}
