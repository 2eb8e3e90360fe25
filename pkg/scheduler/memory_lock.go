package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLockProvider keeps leases in process memory. It only coordinates
// runtimes inside one process, which is enough for a single replica.
type MemoryLockProvider struct {
	mu     sync.Mutex
	leases map[string]LockLease
	now    func() time.Time
}

// NewMemoryLockProvider returns an empty provider.
func NewMemoryLockProvider() *MemoryLockProvider {
	return &MemoryLockProvider{
		leases: map[string]LockLease{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *MemoryLockProvider) Acquire(_ context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, schedulerError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if held, ok := p.leases[key]; ok && held.ExpireAt.After(now) {
		return nil, false, nil
	}
	lease := LockLease{Key: key, Token: uuid.NewString(), ExpireAt: now.Add(ttl)}
	p.leases[key] = lease
	return &lease, true, nil
}

func (p *MemoryLockProvider) Renew(_ context.Context, lease *LockLease, ttl time.Duration) error {
	if lease == nil {
		return schedulerError(ErrInvalidArgument, "lease is required")
	}
	if ttl <= 0 {
		return schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	held, ok := p.leases[lease.Key]
	if !ok || held.Token != lease.Token || !held.ExpireAt.After(now) {
		return schedulerError(ErrConflict, "lock renew rejected")
	}
	held.ExpireAt = now.Add(ttl)
	p.leases[lease.Key] = held
	lease.ExpireAt = held.ExpireAt
	return nil
}

func (p *MemoryLockProvider) Release(_ context.Context, lease *LockLease) error {
	if lease == nil {
		return schedulerError(ErrInvalidArgument, "lease is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	held, ok := p.leases[lease.Key]
	if !ok || held.Token != lease.Token {
		return schedulerError(ErrConflict, "lock release rejected")
	}
	delete(p.leases, lease.Key)
	return nil
}

func (p *MemoryLockProvider) HealthCheck(context.Context) error { return nil }
func (p *MemoryLockProvider) Close() error                      { return nil }
