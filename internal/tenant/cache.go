package tenant

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cacheEntry struct {
	tenant  Tenant
	err     error
	expires time.Time
}

// CachedRegistry memoizes lookups for ttl. Unknown shops are cached too so
// a flood of forged deliveries does not reach the database.
type CachedRegistry struct {
	next  Registry
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCachedRegistry wraps next. A non-positive ttl disables caching.
func NewCachedRegistry(next Registry, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *CachedRegistry) Lookup(ctx context.Context, shopDomain string) (Tenant, error) {
	if c.ttl <= 0 {
		return c.next.Lookup(ctx, shopDomain)
	}
	shop := NormalizeShopDomain(shopDomain)

	c.mu.RLock()
	e, ok := c.entries[shop]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		return e.tenant, e.err
	}

	v, err, _ := c.group.Do(shop, func() (any, error) {
		t, err := c.next.Lookup(ctx, shop)
		// Transient failures are not remembered.
		if err == nil || errors.Is(err, ErrUnknownTenant) {
			c.mu.Lock()
			c.entries[shop] = cacheEntry{tenant: t, err: err, expires: c.now().Add(c.ttl)}
			c.mu.Unlock()
		}
		return t, err
	})
	t, _ := v.(Tenant)
	return t, err
}

func (c *CachedRegistry) Deactivate(ctx context.Context, tenantID, shopDomain string, at time.Time) error {
	err := c.next.Deactivate(ctx, tenantID, shopDomain, at)
	c.Invalidate(shopDomain)
	return err
}

// Invalidate drops the cached entry for shopDomain.
func (c *CachedRegistry) Invalidate(shopDomain string) {
	c.mu.Lock()
	delete(c.entries, NormalizeShopDomain(shopDomain))
	c.mu.Unlock()
}
