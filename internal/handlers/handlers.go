// Package handlers applies queued Shopify deliveries to the tenant's orders,
// catalog and integration state. Every handler tolerates duplicate and
// out-of-order delivery.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/internal/statehook"
	"github.com/ordefy/ordefy/internal/tenant"
	"github.com/ordefy/ordefy/pkg/observability/logger"
	"github.com/ordefy/ordefy/pkg/store/postgres"
)

// Topics handled by a Set.
const (
	TopicOrderCreate    = "order-create"
	TopicOrderUpdated   = "order-updated"
	TopicOrderCancelled = "order-cancelled"
	TopicProductCreate  = "product-create"
	TopicProductUpdate  = "product-update"
	TopicProductDelete  = "product-delete"
	TopicInventory      = "inventory-update"
	TopicAppUninstalled = "app-uninstalled"
)

// ActivityRecorder notes when a shop last delivered a webhook.
type ActivityRecorder interface {
	Touch(ctx context.Context, shopDomain string, at time.Time) error
}

// Set holds the handlers and their shared dependencies.
type Set struct {
	db       *postgres.Adapter
	tenants  tenant.Registry
	log      logger.Logger
	activity ActivityRecorder
	orders   *statehook.Table[OrderStatus, *Order]
}

// Option configures a Set.
type Option func(*Set)

// WithActivity records shop activity after each successful job.
func WithActivity(recorder ActivityRecorder) Option {
	return func(s *Set) { s.activity = recorder }
}

// WithOrderTransitions replaces the order status table, e.g. to attach
// extra hooks.
func WithOrderTransitions(table *statehook.Table[OrderStatus, *Order]) Option {
	return func(s *Set) {
		if table != nil {
			s.orders = table
		}
	}
}

// New creates the handler set.
func New(db *postgres.Adapter, tenants tenant.Registry, log logger.Logger, opts ...Option) *Set {
	s := &Set{db: db, tenants: tenants, log: log}
	s.orders = OrderTransitions(NewStockLedger(db))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handlers returns the handler for each topic.
func (s *Set) Handlers() map[string]queue.Handler {
	hs := map[string]queue.Handler{
		TopicOrderCreate:    s.HandleOrder,
		TopicOrderUpdated:   s.HandleOrder,
		TopicOrderCancelled: s.HandleOrder,
		TopicProductCreate:  s.HandleProduct,
		TopicProductUpdate:  s.HandleProduct,
		TopicProductDelete:  s.HandleProductDelete,
		TopicInventory:      s.HandleInventory,
		TopicAppUninstalled: s.HandleAppUninstalled,
	}
	for topic, h := range hs {
		hs[topic] = s.withActivity(h)
	}
	return hs
}

// Register binds every handler to w.
func (s *Set) Register(w *queue.Worker) error {
	hs := s.Handlers()
	topics := make([]string, 0, len(hs))
	for topic := range hs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		if err := w.Register(topic, hs[topic]); err != nil {
			return fmt.Errorf("register %s: %w", topic, err)
		}
	}
	return nil
}

func (s *Set) withActivity(h queue.Handler) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		if err := h(ctx, job); err != nil {
			return err
		}
		if s.activity != nil {
			if err := s.activity.Touch(ctx, job.ShopDomain, job.CreatedAt); err != nil {
				s.log.WithContext(ctx).Warn("failed to record shop activity", "shop_domain", job.ShopDomain, "error", err)
			}
		}
		return nil
	}
}

// decodePayload unmarshals the job payload. A payload that does not decode
// will never decode, so the error is permanent.
func decodePayload(job *queue.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return queue.Permanent(fmt.Errorf("%w: decode %s payload: %v", queue.ErrValidation, job.Topic, err))
	}
	return nil
}

func invalid(format string, args ...any) error {
	return queue.Permanent(fmt.Errorf("%w: %s", queue.ErrValidation, fmt.Sprintf(format, args...)))
}

// shopifyID accepts ids sent either as JSON numbers or as strings.
type shopifyID int64

func (id *shopifyID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = 0
		return nil
	}
	b = bytes.Trim(b, `"`)
	if len(b) == 0 {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid shopify id %q", b)
	}
	*id = shopifyID(n)
	return nil
}

// money normalizes a decimal string for a NUMERIC column.
func money(v string) (string, error) {
	if v == "" {
		return "0", nil
	}
	if _, err := strconv.ParseFloat(v, 64); err != nil {
		return "", fmt.Errorf("invalid amount %q", v)
	}
	return v, nil
}

// updatedAt falls back to the enqueue time when the payload has none.
func updatedAt(ts time.Time, job *queue.Job) time.Time {
	if ts.IsZero() {
		return job.CreatedAt.UTC()
	}
	return ts.UTC()
}
