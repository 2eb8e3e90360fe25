package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ordefy/ordefy/pkg/store/postgres"
)

// Movement reasons recorded in stock_movements.
const (
	ReasonShipped   = "order_shipped"
	ReasonRestocked = "order_restocked"
)

const insertShippedMovement = `
INSERT INTO stock_movements (tenant_id, shopify_order_id, shopify_variant_id, reason, quantity)
VALUES ($1, $2, $3, 'order_shipped', $4)
ON CONFLICT DO NOTHING
RETURNING quantity`

const insertRestockMovement = `
INSERT INTO stock_movements (tenant_id, shopify_order_id, shopify_variant_id, reason, quantity)
SELECT tenant_id, shopify_order_id, shopify_variant_id, 'order_restocked', quantity
FROM stock_movements
WHERE tenant_id = $1 AND shopify_order_id = $2 AND shopify_variant_id = $3 AND reason = 'order_shipped'
ON CONFLICT DO NOTHING
RETURNING quantity`

const adjustStock = `
UPDATE products SET stock = stock + $3, updated_at = NOW()
WHERE tenant_id = $1 AND shopify_variant_id = $2`

// StockLedger moves product stock for order status hooks. Each movement is
// recorded once per order, variant and reason, so a hook that runs again
// after a redelivery changes nothing.
type StockLedger struct {
	db *postgres.Adapter
}

// NewStockLedger returns a ledger on db. Its hooks expect to run inside the
// transaction that changes the order status.
func NewStockLedger(db *postgres.Adapter) *StockLedger {
	return &StockLedger{db: db}
}

// Decrement takes the ordered quantities out of stock.
func (l *StockLedger) Decrement(ctx context.Context, order *Order, _, _ OrderStatus) error {
	for _, item := range quantitiesByVariant(order.LineItems) {
		qty, ok, err := l.record(ctx, insertShippedMovement, order, item.variantID, item.quantity)
		if err != nil {
			return err
		}
		if ok {
			if err := l.adjust(ctx, order.TenantID, item.variantID, -qty); err != nil {
				return err
			}
		}
	}
	return nil
}

// Restock returns quantities that an earlier Decrement took out.
func (l *StockLedger) Restock(ctx context.Context, order *Order, _, _ OrderStatus) error {
	for _, item := range quantitiesByVariant(order.LineItems) {
		qty, ok, err := l.record(ctx, insertRestockMovement, order, item.variantID)
		if err != nil {
			return err
		}
		if ok {
			if err := l.adjust(ctx, order.TenantID, item.variantID, qty); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *StockLedger) record(ctx context.Context, query string, order *Order, variantID int64, extra ...any) (int, bool, error) {
	args := append([]any{order.TenantID, order.ShopifyOrderID, variantID}, extra...)
	var qty int
	err := l.db.Executor(ctx).QueryRowContext(ctx, query, args...).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("record stock movement for variant %d: %w", variantID, err)
	}
	return qty, true, nil
}

func (l *StockLedger) adjust(ctx context.Context, tenantID string, variantID int64, delta int) error {
	if _, err := l.db.Executor(ctx).ExecContext(ctx, adjustStock, tenantID, variantID, delta); err != nil {
		return fmt.Errorf("adjust stock for variant %d: %w", variantID, err)
	}
	return nil
}

type variantQuantity struct {
	variantID int64
	quantity  int
}

// quantitiesByVariant sums line items per variant in first-seen order.
// Items without a variant, such as custom line items, carry no stock.
func quantitiesByVariant(items []LineItem) []variantQuantity {
	out := make([]variantQuantity, 0, len(items))
	index := make(map[int64]int, len(items))
	for _, item := range items {
		if item.VariantID <= 0 || item.Quantity <= 0 {
			continue
		}
		id := int64(item.VariantID)
		if i, ok := index[id]; ok {
			out[i].quantity += item.Quantity
			continue
		}
		index[id] = len(out)
		out = append(out, variantQuantity{variantID: id, quantity: item.Quantity})
	}
	return out
}
