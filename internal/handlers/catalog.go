package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/internal/tenant"
)

type variantPayload struct {
	ID                shopifyID `json:"id"`
	Title             string    `json:"title"`
	SKU               string    `json:"sku"`
	Price             string    `json:"price"`
	InventoryItemID   shopifyID `json:"inventory_item_id"`
	InventoryQuantity int       `json:"inventory_quantity"`
}

type productPayload struct {
	ID        shopifyID        `json:"id"`
	Title     string           `json:"title"`
	UpdatedAt time.Time        `json:"updated_at"`
	Variants  []variantPayload `json:"variants"`
}

// Stock is only written on insert; afterwards inventory-update owns it.
const upsertVariant = `
INSERT INTO products (
	tenant_id, shopify_variant_id, shopify_product_id, inventory_item_id,
	title, sku, price, stock, shopify_updated_at, updated_at
) VALUES ($1, $2, $3, NULLIF($4::BIGINT, 0), $5, $6, $7, $8, $9, NOW())
ON CONFLICT (tenant_id, shopify_variant_id) DO UPDATE SET
	shopify_product_id = EXCLUDED.shopify_product_id,
	inventory_item_id = EXCLUDED.inventory_item_id,
	title = EXCLUDED.title,
	sku = EXCLUDED.sku,
	price = EXCLUDED.price,
	shopify_updated_at = EXCLUDED.shopify_updated_at,
	deleted_at = NULL,
	updated_at = NOW()
WHERE products.shopify_updated_at IS NULL OR products.shopify_updated_at <= EXCLUDED.shopify_updated_at`

const softDeleteProduct = `
UPDATE products SET deleted_at = $3, updated_at = NOW()
WHERE tenant_id = $1 AND shopify_product_id = $2 AND deleted_at IS NULL`

const setInventory = `
UPDATE products SET stock = $3, updated_at = NOW()
WHERE tenant_id = $1 AND inventory_item_id = $2 AND deleted_at IS NULL`

// HandleProduct upserts every variant of the product. Variants already
// stored from a newer version are left alone.
func (s *Set) HandleProduct(ctx context.Context, job *queue.Job) error {
	var p productPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	if p.ID <= 0 {
		return invalid("product id is required")
	}
	at := updatedAt(p.UpdatedAt, job)

	return s.db.WithTransaction(ctx, func(ctx context.Context) error {
		exec := s.db.Executor(ctx)
		for _, v := range p.Variants {
			if v.ID <= 0 {
				continue
			}
			price, err := money(v.Price)
			if err != nil {
				return invalid("product %d variant %d: %v", p.ID, v.ID, err)
			}
			if _, err := exec.ExecContext(ctx, upsertVariant,
				job.TenantID, int64(v.ID), int64(p.ID), int64(v.InventoryItemID),
				variantTitle(p.Title, v.Title), v.SKU, price, v.InventoryQuantity, at,
			); err != nil {
				return fmt.Errorf("upsert variant %d: %w", v.ID, err)
			}
		}
		s.log.WithContext(ctx).Debug("product synced", "tenant_id", job.TenantID, "product_id", int64(p.ID), "variants", len(p.Variants))
		return nil
	})
}

// HandleProductDelete soft-deletes the product's variants.
func (s *Set) HandleProductDelete(ctx context.Context, job *queue.Job) error {
	var p productPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	if p.ID <= 0 {
		return invalid("product id is required")
	}
	res, err := s.db.Executor(ctx).ExecContext(ctx, softDeleteProduct, job.TenantID, int64(p.ID), job.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("delete product %d: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.WithContext(ctx).Debug("product delete matched no variants", "tenant_id", job.TenantID, "product_id", int64(p.ID))
	}
	return nil
}

type inventoryPayload struct {
	InventoryItemID shopifyID `json:"inventory_item_id"`
	LocationID      shopifyID `json:"location_id"`
	Available       *int      `json:"available"`
}

// HandleInventory sets the stock of the variant tracking the inventory item.
// Untracked items arrive with a null quantity and are ignored, as are items
// whose product has not been synced.
func (s *Set) HandleInventory(ctx context.Context, job *queue.Job) error {
	var p inventoryPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	if p.InventoryItemID <= 0 {
		return invalid("inventory_item_id is required")
	}
	log := s.log.WithContext(ctx).With("tenant_id", job.TenantID, "inventory_item_id", int64(p.InventoryItemID))
	if p.Available == nil {
		log.Debug("inventory update without quantity ignored")
		return nil
	}
	res, err := s.db.Executor(ctx).ExecContext(ctx, setInventory, job.TenantID, int64(p.InventoryItemID), *p.Available)
	if err != nil {
		return fmt.Errorf("set inventory for item %d: %w", p.InventoryItemID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Info("inventory update for unknown item ignored")
	}
	return nil
}

// HandleAppUninstalled deactivates the shop's integration. Later deliveries
// from the shop are rejected by the receiver.
func (s *Set) HandleAppUninstalled(ctx context.Context, job *queue.Job) error {
	err := s.tenants.Deactivate(ctx, job.TenantID, job.ShopDomain, job.CreatedAt)
	if errors.Is(err, tenant.ErrUnknownTenant) {
		s.log.WithContext(ctx).Info("uninstall for unknown or inactive tenant ignored", "tenant_id", job.TenantID, "shop_domain", job.ShopDomain)
		return nil
	}
	if err != nil {
		return fmt.Errorf("deactivate tenant %s: %w", job.TenantID, err)
	}
	s.log.WithContext(ctx).Info("tenant deactivated after app uninstall", "tenant_id", job.TenantID, "shop_domain", job.ShopDomain)
	return nil
}

func variantTitle(product, variant string) string {
	variant = strings.TrimSpace(variant)
	if variant == "" || strings.EqualFold(variant, "Default Title") {
		return product
	}
	if product == "" {
		return variant
	}
	return product + " - " + variant
}
