// Package tenant resolves the Ordefy tenant that owns a Shopify shop and the
// secret its webhooks are signed with.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/middleware/httpsignature"
)

// ErrUnknownTenant is returned for shops with no active integration.
var ErrUnknownTenant = queue.ErrUnknownTenant

// Tenant is one shop integration.
type Tenant struct {
	ID         string
	ShopDomain string
	// Secret is the per-integration webhook secret. Empty means the
	// app-wide secret applies.
	Secret []byte
	Active bool
}

// Registry looks tenants up by shop domain.
type Registry interface {
	Lookup(ctx context.Context, shopDomain string) (Tenant, error)
	// Deactivate marks the integration uninstalled so later webhooks from
	// the shop are rejected.
	Deactivate(ctx context.Context, tenantID, shopDomain string, at time.Time) error
}

// NormalizeShopDomain lowercases and trims a shop domain.
func NormalizeShopDomain(shop string) string {
	return strings.ToLower(strings.TrimSpace(shop))
}

// StaticRegistry serves tenants declared in configuration.
type StaticRegistry struct {
	mu     sync.RWMutex
	byShop map[string]Tenant
}

// NewStaticRegistry indexes tenants by shop domain.
func NewStaticRegistry(tenants []config.StaticTenant) *StaticRegistry {
	r := &StaticRegistry{byShop: make(map[string]Tenant, len(tenants))}
	for _, t := range tenants {
		shop := NormalizeShopDomain(t.ShopDomain)
		if shop == "" || strings.TrimSpace(t.ID) == "" {
			continue
		}
		r.byShop[shop] = Tenant{ID: t.ID, ShopDomain: shop, Secret: []byte(t.Secret), Active: true}
	}
	return r
}

func (r *StaticRegistry) Lookup(_ context.Context, shopDomain string) (Tenant, error) {
	r.mu.RLock()
	t, ok := r.byShop[NormalizeShopDomain(shopDomain)]
	r.mu.RUnlock()
	if !ok || !t.Active {
		return Tenant{}, fmt.Errorf("%w: %s", ErrUnknownTenant, shopDomain)
	}
	return t, nil
}

// Deactivate only affects this process; static tenants come back on restart.
func (r *StaticRegistry) Deactivate(_ context.Context, tenantID, shopDomain string, _ time.Time) error {
	shop := NormalizeShopDomain(shopDomain)
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byShop[shop]
	if !ok || t.ID != tenantID {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, shopDomain)
	}
	t.Active = false
	r.byShop[shop] = t
	return nil
}

// Chain consults registries in order. A registry that does not know the
// shop passes the lookup on; any other error stops it.
type Chain []Registry

func (c Chain) Lookup(ctx context.Context, shopDomain string) (Tenant, error) {
	for _, r := range c {
		t, err := r.Lookup(ctx, shopDomain)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrUnknownTenant) {
			return Tenant{}, err
		}
	}
	return Tenant{}, fmt.Errorf("%w: %s", ErrUnknownTenant, shopDomain)
}

// Deactivate applies to every registry that knows the tenant.
func (c Chain) Deactivate(ctx context.Context, tenantID, shopDomain string, at time.Time) error {
	found := false
	for _, r := range c {
		err := r.Deactivate(ctx, tenantID, shopDomain, at)
		if err == nil {
			found = true
			continue
		}
		if !errors.Is(err, ErrUnknownTenant) {
			return err
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, shopDomain)
	}
	return nil
}

// KeyProvider adapts a Registry to the webhook signature middleware.
type KeyProvider struct {
	registry     Registry
	sharedSecret []byte
}

// NewKeyProvider falls back to sharedSecret for tenants without their own.
func NewKeyProvider(registry Registry, sharedSecret string) *KeyProvider {
	return &KeyProvider{registry: registry, sharedSecret: []byte(sharedSecret)}
}

func (p *KeyProvider) ResolveKey(ctx context.Context, shopDomain string) (httpsignature.Key, error) {
	t, err := p.registry.Lookup(ctx, shopDomain)
	if errors.Is(err, ErrUnknownTenant) {
		return httpsignature.Key{}, fmt.Errorf("%w: %w", httpsignature.ErrUnknownKey, err)
	}
	if err != nil {
		return httpsignature.Key{}, err
	}
	secret := t.Secret
	if len(secret) == 0 {
		secret = p.sharedSecret
	}
	if len(secret) == 0 {
		return httpsignature.Key{}, fmt.Errorf("%w: no webhook secret for %s", httpsignature.ErrUnknownKey, t.ShopDomain)
	}
	return httpsignature.Key{ID: t.ShopDomain, Owner: t.ID, Secret: secret}, nil
}
