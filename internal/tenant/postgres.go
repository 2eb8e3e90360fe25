package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ordefy/ordefy/pkg/store/postgres"
)

const lookupQuery = `
SELECT tenant_id, shop_domain, COALESCE(webhook_secret, ''), is_active
FROM shopify_integrations
WHERE lower(shop_domain) = $1`

const deactivateQuery = `
UPDATE shopify_integrations
SET is_active = FALSE, uninstalled_at = $3, updated_at = $3
WHERE tenant_id = $1 AND lower(shop_domain) = $2`

const touchQuery = `
UPDATE shopify_integrations SET last_webhook_at = $2
WHERE lower(shop_domain) = $1 AND (last_webhook_at IS NULL OR last_webhook_at < $2)`

// PostgresRegistry reads the shopify_integrations table.
type PostgresRegistry struct {
	db *postgres.Adapter
}

// NewPostgresRegistry returns a registry on the shared adapter.
func NewPostgresRegistry(db *postgres.Adapter) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// Lookup returns the active integration for shopDomain.
func (r *PostgresRegistry) Lookup(ctx context.Context, shopDomain string) (Tenant, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	var (
		t      Tenant
		secret string
	)
	err := r.db.Executor(ctx).QueryRowContext(ctx, lookupQuery, NormalizeShopDomain(shopDomain)).
		Scan(&t.ID, &t.ShopDomain, &secret, &t.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, fmt.Errorf("%w: %s", ErrUnknownTenant, shopDomain)
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("lookup tenant for %s: %w", shopDomain, err)
	}
	if !t.Active {
		return Tenant{}, fmt.Errorf("%w: %s is uninstalled", ErrUnknownTenant, shopDomain)
	}
	t.ShopDomain = NormalizeShopDomain(t.ShopDomain)
	if secret != "" {
		t.Secret = []byte(secret)
	}
	return t, nil
}

// Deactivate marks the integration uninstalled. It joins a transaction
// carried by ctx.
func (r *PostgresRegistry) Deactivate(ctx context.Context, tenantID, shopDomain string, at time.Time) error {
	res, err := r.db.Executor(ctx).ExecContext(ctx, deactivateQuery, tenantID, NormalizeShopDomain(shopDomain), at.UTC())
	if err != nil {
		return fmt.Errorf("deactivate tenant %s: %w", tenantID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, shopDomain)
	}
	return nil
}

// Touch records the time of the latest accepted webhook for the shop.
func (r *PostgresRegistry) Touch(ctx context.Context, shopDomain string, at time.Time) error {
	if _, err := r.db.Executor(ctx).ExecContext(ctx, touchQuery, NormalizeShopDomain(shopDomain), at.UTC()); err != nil {
		return fmt.Errorf("touch tenant %s: %w", shopDomain, err)
	}
	return nil
}
