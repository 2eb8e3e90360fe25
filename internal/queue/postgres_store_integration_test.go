package queue

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ordefy/ordefy/migrations"
	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/migrate"
	"github.com/ordefy/ordefy/pkg/observability/logger/loggertest"
	"github.com/ordefy/ordefy/pkg/store/postgres"
	"github.com/ordefy/ordefy/pkg/testutil"
)

func TestPostgresStore_Integration(t *testing.T) {
	dsn := testutil.StartPostgres(t)
	ctx := context.Background()

	log := loggertest.New()
	adapter, err := postgres.NewAdapter(config.DatabaseConfig{
		URL: dsn, MaxOpenConns: 10, MaxIdleConns: 5, QueryTimeout: 5 * time.Second,
	}, log)
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	defer adapter.Close()

	manager, err := migrate.NewManager(adapter.DB(), migrations.FS, migrations.Dir, log)
	if err != nil {
		t.Fatalf("migration manager: %v", err)
	}
	if _, err := manager.Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	store := NewPostgresStore(adapter)
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("dedupes delivery ids", func(t *testing.T) {
		in := NewJob{
			TenantID: "tenant-1", ShopDomain: "demo.myshopify.com", Topic: "order-create",
			DeliveryID: "delivery-1", Payload: []byte(`{"id":1}`), Signature: "sig",
		}
		first, err := store.Enqueue(ctx, in, now)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		again, err := store.Enqueue(ctx, in, now)
		if !errors.Is(err, ErrDuplicateDelivery) || again.ID != first.ID {
			t.Fatalf("expected duplicate of %s, got %+v, %v", first.ID, again, err)
		}
	})

	t.Run("payload is stored byte for byte", func(t *testing.T) {
		body := []byte("{\"b\": 1,  \"a\": \"x\\u0000y\", \"a\": 2}\n")
		job, err := store.Enqueue(ctx, NewJob{
			TenantID: "tenant-3", Topic: "order-create", DeliveryID: "raw-1", Payload: body, Signature: "sig",
		}, now)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		got, err := store.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !bytes.Equal(got.Payload, body) {
			t.Fatalf("payload changed: %q != %q", got.Payload, body)
		}
	})

	t.Run("concurrent claims never overlap", func(t *testing.T) {
		for i := 0; i < 60; i++ {
			if _, err := store.Enqueue(ctx, NewJob{
				TenantID: "tenant-2", Topic: "product-update", Payload: []byte(`{"id":2}`), Signature: "sig",
			}, now); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					jobs, err := store.Claim(ctx, 5, now.Add(time.Second))
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if len(jobs) == 0 {
						return
					}
					mu.Lock()
					for _, j := range jobs {
						seen[j.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != 61 {
			t.Fatalf("expected 61 claimed jobs, got %d", len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("job %s claimed %d times", id, n)
			}
		}
	})

	t.Run("finish and cleanup", func(t *testing.T) {
		processing, err := store.List(ctx, ListFilter{Status: StatusProcessing, Limit: 500})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		old := now.Add(-10 * 24 * time.Hour)
		for _, job := range processing {
			if _, err := store.Finish(ctx, job.ID, Outcome{Status: StatusCompleted, Attempted: true, At: old}); err != nil {
				t.Fatalf("finish: %v", err)
			}
		}
		done, err := store.Get(ctx, processing[0].ID)
		if err != nil || done.Attempts != 1 || done.CompletedAt == nil {
			t.Fatalf("unexpected finished job: %+v, %v", done, err)
		}

		deleted, err := store.DeleteCompletedBefore(ctx, now.Add(-7*24*time.Hour), 1000)
		if err != nil || deleted != int64(len(processing)) {
			t.Fatalf("expected %d deleted, got %d, %v", len(processing), deleted, err)
		}

		stats, err := store.Stats(ctx, now.Add(-15*time.Minute), now)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Counts[StatusCompleted] != 0 || stats.Counts[StatusProcessing] != 0 {
			t.Fatalf("unexpected stats after cleanup: %v", stats.Counts)
		}
	})
}
