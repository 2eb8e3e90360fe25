package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ordefy/ordefy/pkg/observability/logger/loggertest"
)

func newMockLockProvider(t *testing.T) (*PostgresLockProvider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	provider, err := NewPostgresLockProvider(db, PostgresLockProviderConfig{OperationTimeout: time.Second}, loggertest.New())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider, mock
}

func TestPostgresLockProvider_Acquire(t *testing.T) {
	provider, mock := newMockLockProvider(t)
	expires := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO scheduler_locks .* ON CONFLICT \(lock_key\) DO UPDATE .* WHERE scheduler_locks.expires_at <= NOW\(\)`).
		WithArgs("task:cleanup", sqlmock.AnyArg(), float64(60)).
		WillReturnRows(sqlmock.NewRows([]string{"expires_at"}).AddRow(expires))

	lease, acquired, err := provider.Acquire(context.Background(), "task:cleanup", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired || lease.Token == "" || !lease.ExpireAt.Equal(expires) {
		t.Fatalf("unexpected lease %+v acquired=%v", lease, acquired)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLockProvider_AcquireHeldElsewhere(t *testing.T) {
	provider, mock := newMockLockProvider(t)
	mock.ExpectQuery(`INSERT INTO scheduler_locks`).
		WillReturnError(sql.ErrNoRows)

	lease, acquired, err := provider.Acquire(context.Background(), "task:cleanup", time.Minute)
	if err != nil || acquired || lease != nil {
		t.Fatalf("expected not acquired, got %+v %v %v", lease, acquired, err)
	}
}

func TestPostgresLockProvider_AcquireBackendError(t *testing.T) {
	provider, mock := newMockLockProvider(t)
	mock.ExpectQuery(`INSERT INTO scheduler_locks`).
		WillReturnError(errors.New("connection reset"))

	_, _, err := provider.Acquire(context.Background(), "task:cleanup", time.Minute)
	if !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
}

func TestPostgresLockProvider_RenewAndRelease(t *testing.T) {
	provider, mock := newMockLockProvider(t)
	lease := &LockLease{Key: "task:cleanup", Token: "token-1"}
	expires := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE scheduler_locks SET expires_at = NOW\(\) \+ make_interval\(secs => \$3\)`).
		WithArgs("task:cleanup", "token-1", float64(300)).
		WillReturnRows(sqlmock.NewRows([]string{"expires_at"}).AddRow(expires))
	if err := provider.Renew(context.Background(), lease, 5*time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !lease.ExpireAt.Equal(expires) {
		t.Fatalf("expected lease expiry updated, got %v", lease.ExpireAt)
	}

	mock.ExpectExec(`DELETE FROM scheduler_locks WHERE lock_key = \$1 AND owner = \$2`).
		WithArgs("task:cleanup", "token-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := provider.Release(context.Background(), lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLockProvider_LostLeaseIsConflict(t *testing.T) {
	provider, mock := newMockLockProvider(t)
	lease := &LockLease{Key: "task:cleanup", Token: "token-1"}

	mock.ExpectQuery(`UPDATE scheduler_locks`).WillReturnError(sql.ErrNoRows)
	if err := provider.Renew(context.Background(), lease, time.Minute); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on renew, got %v", err)
	}

	mock.ExpectExec(`DELETE FROM scheduler_locks`).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := provider.Release(context.Background(), lease); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on release, got %v", err)
	}
}

func TestPostgresLockProvider_Validation(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	if _, err := NewPostgresLockProvider(db, PostgresLockProviderConfig{Table: "locks; DROP TABLE x"}, loggertest.New()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for table name, got %v", err)
	}
	if _, err := NewPostgresLockProvider(nil, PostgresLockProviderConfig{}, loggertest.New()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil db, got %v", err)
	}

	provider, err := NewPostgresLockProvider(db, PostgresLockProviderConfig{}, loggertest.New())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, _, err := provider.Acquire(context.Background(), " ", time.Minute); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty key, got %v", err)
	}
	if _, _, err := provider.Acquire(context.Background(), "k", 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero ttl, got %v", err)
	}
	if err := provider.Renew(context.Background(), &LockLease{Key: "k"}, time.Minute); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for tokenless lease, got %v", err)
	}
}
