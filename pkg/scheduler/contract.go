package scheduler

import (
	"context"
	"time"
)

// LockLease identifies a held lock.
type LockLease struct {
	Key      string
	Token    string
	ExpireAt time.Time
}

// LockProvider makes a task run on one scheduler instance at a time.
type LockProvider interface {
	// Acquire takes key for ttl. It reports false without error when
	// another holder owns an unexpired lease.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error)
	// Renew sets the lease to expire ttl from now if it is still held.
	Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error
	Release(ctx context.Context, lease *LockLease) error
	HealthCheck(ctx context.Context) error
	Close() error
}
