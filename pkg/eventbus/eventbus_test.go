package eventbus

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryProducer(t *testing.T) {
	p := NewMemoryProducer()
	ctx := context.Background()

	if err := p.Publish(ctx, "a", &Message{ID: "1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.PublishBatch(ctx, "a", []*Message{{ID: "2"}, {ID: "3"}}); err != nil {
		t.Fatalf("publish batch: %v", err)
	}
	if err := p.Publish(ctx, "a", nil); err == nil {
		t.Fatal("expected nil message rejected")
	}

	got := p.Messages("a")
	if len(got) != 3 || got[0].ID != "1" || got[2].ID != "3" {
		t.Fatalf("unexpected messages %+v", got)
	}
	if len(p.Messages("b")) != 0 {
		t.Fatal("expected topics kept apart")
	}

	if err := p.HealthCheck(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	_ = p.Close()
	if err := p.Publish(ctx, "a", &Message{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := p.HealthCheck(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from health, got %v", err)
	}
}
