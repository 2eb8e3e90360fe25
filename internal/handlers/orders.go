package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/internal/statehook"
)

// OrderStatus is the Ordefy fulfilment state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderShipped   OrderStatus = "shipped"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
)

// LineItem is one ordered variant.
type LineItem struct {
	VariantID shopifyID `json:"variant_id"`
	Quantity  int       `json:"quantity"`
	SKU       string    `json:"sku,omitempty"`
	Title     string    `json:"title,omitempty"`
	Price     string    `json:"price,omitempty"`
}

// Order is the persisted order handed to status hooks.
type Order struct {
	TenantID         string
	ShopifyOrderID   int64
	Number           string
	Status           OrderStatus
	TotalPrice       string
	Currency         string
	CustomerEmail    string
	LineItems        []LineItem
	ShopifyUpdatedAt time.Time
}

type orderPayload struct {
	ID                shopifyID  `json:"id"`
	Name              string     `json:"name"`
	OrderNumber       shopifyID  `json:"order_number"`
	Email             string     `json:"email"`
	Currency          string     `json:"currency"`
	TotalPrice        string     `json:"total_price"`
	FinancialStatus   string     `json:"financial_status"`
	FulfillmentStatus *string    `json:"fulfillment_status"`
	CancelledAt       *time.Time `json:"cancelled_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LineItems         []LineItem `json:"line_items"`
}

// status maps the Shopify financial and fulfilment fields onto Ordefy's
// order states.
func (p orderPayload) status(topic string) OrderStatus {
	if topic == TopicOrderCancelled || p.CancelledAt != nil {
		return OrderCancelled
	}
	if p.FulfillmentStatus != nil && strings.EqualFold(*p.FulfillmentStatus, "fulfilled") {
		return OrderShipped
	}
	switch strings.ToLower(p.FinancialStatus) {
	case "paid", "partially_paid", "authorized", "partially_refunded":
		return OrderConfirmed
	case "refunded", "voided":
		return OrderCancelled
	}
	return OrderPending
}

func (p orderPayload) toOrder(job *queue.Job) (*Order, error) {
	if p.ID <= 0 {
		return nil, invalid("order id is required")
	}
	total, err := money(p.TotalPrice)
	if err != nil {
		return nil, invalid("order %d: %v", p.ID, err)
	}
	number := p.Name
	if number == "" && p.OrderNumber > 0 {
		number = "#" + strconv.FormatInt(int64(p.OrderNumber), 10)
	}
	return &Order{
		TenantID:         job.TenantID,
		ShopifyOrderID:   int64(p.ID),
		Number:           number,
		Status:           p.status(job.Topic),
		TotalPrice:       total,
		Currency:         strings.ToUpper(p.Currency),
		CustomerEmail:    p.Email,
		LineItems:        p.LineItems,
		ShopifyUpdatedAt: updatedAt(p.UpdatedAt, job),
	}, nil
}

// OrderTransitions returns the order state machine. Shipping takes stock out
// and cancelling a shipped order puts it back.
func OrderTransitions(stock *StockLedger) *statehook.Table[OrderStatus, *Order] {
	return statehook.New[OrderStatus, *Order]().
		Allow(OrderPending, OrderConfirmed).
		Allow(OrderPending, OrderShipped, stock.Decrement).
		Allow(OrderPending, OrderCancelled).
		Allow(OrderConfirmed, OrderShipped, stock.Decrement).
		Allow(OrderConfirmed, OrderCancelled).
		Allow(OrderShipped, OrderDelivered).
		Allow(OrderShipped, OrderCancelled, stock.Restock)
}

const selectOrderForUpdate = `
SELECT status, shopify_updated_at FROM orders
WHERE tenant_id = $1 AND shopify_order_id = $2
FOR UPDATE`

const upsertOrder = `
INSERT INTO orders (
	tenant_id, shopify_order_id, order_number, status, total_price, currency,
	customer_email, line_items, shopify_updated_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
ON CONFLICT (tenant_id, shopify_order_id) DO UPDATE SET
	order_number = EXCLUDED.order_number,
	status = EXCLUDED.status,
	total_price = EXCLUDED.total_price,
	currency = EXCLUDED.currency,
	customer_email = EXCLUDED.customer_email,
	line_items = EXCLUDED.line_items,
	shopify_updated_at = EXCLUDED.shopify_updated_at,
	updated_at = NOW()`

// HandleOrder upserts the order and fires its status hooks in one
// transaction. Updates older than the stored version are dropped, and a
// status change the state machine forbids keeps the stored status.
func (s *Set) HandleOrder(ctx context.Context, job *queue.Job) error {
	var p orderPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	order, err := p.toOrder(job)
	if err != nil {
		return err
	}
	items, err := json.Marshal(order.LineItems)
	if err != nil {
		return queue.Permanent(fmt.Errorf("encode line items: %w", err))
	}
	if order.LineItems == nil {
		items = []byte("[]")
	}
	log := s.log.WithContext(ctx).With("tenant_id", order.TenantID, "order_id", order.ShopifyOrderID)

	return s.db.WithTransaction(ctx, func(ctx context.Context) error {
		exec := s.db.Executor(ctx)

		from := OrderPending
		var (
			current      OrderStatus
			storedUpdate time.Time
		)
		err := exec.QueryRowContext(ctx, selectOrderForUpdate, order.TenantID, order.ShopifyOrderID).Scan(&current, &storedUpdate)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("load order %d: %w", order.ShopifyOrderID, err)
		default:
			if !order.ShopifyUpdatedAt.After(storedUpdate) {
				log.Debug("stale order update ignored", "stored_updated_at", storedUpdate, "incoming_updated_at", order.ShopifyUpdatedAt)
				return nil
			}
			from = current
		}

		if order.Status != from && !s.orders.Allowed(from, order.Status) {
			log.Warn("order status change not allowed, keeping stored status", "from", from, "to", order.Status)
			order.Status = from
		}

		if _, err := exec.ExecContext(ctx, upsertOrder,
			order.TenantID, order.ShopifyOrderID, order.Number, string(order.Status), order.TotalPrice,
			order.Currency, order.CustomerEmail, string(items), order.ShopifyUpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert order %d: %w", order.ShopifyOrderID, err)
		}
		if err := s.orders.Fire(ctx, order, from, order.Status); err != nil {
			return fmt.Errorf("order %d status %s -> %s: %w", order.ShopifyOrderID, from, order.Status, err)
		}
		if from != order.Status {
			log.Info("order status changed", "from", from, "to", order.Status)
		}
		return nil
	})
}
