// Package webhook accepts signed Shopify webhook deliveries and persists them
// as queue jobs. Processing happens later in the worker; the receiver only
// verifies, validates and inserts.
package webhook

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/pkg/controller"
	"github.com/ordefy/ordefy/pkg/middleware/httpsignature"
	"github.com/ordefy/ordefy/pkg/observability/logger"
	"github.com/ordefy/ordefy/pkg/observability/tracing"
	"github.com/ordefy/ordefy/pkg/server/router"
)

// Shopify delivery headers.
const (
	HeaderShopDomain = "X-Shopify-Shop-Domain"
	HeaderSignature  = "X-Shopify-Hmac-Sha256"
	HeaderWebhookID  = "X-Shopify-Webhook-Id"
	HeaderTopic      = "X-Shopify-Topic"
)

// Prefixes are the route prefixes the receiver answers on. Both spellings
// are in use by installed apps.
var Prefixes = []string{"/shopify/webhook", "/shopify/webhooks"}

var errorMapper = controller.Mapper{
	{Kind: queue.ErrUnknownTenant, Status: http.StatusBadRequest, Code: "unknown_tenant"},
	{Kind: queue.ErrUnauthorized, Status: http.StatusUnauthorized, Code: "invalid_signature"},
	{Kind: queue.ErrValidation, Status: http.StatusBadRequest, Code: "invalid_request"},
}

// Response is the body of an accepted delivery.
type Response struct {
	Status    string `json:"status"`
	JobID     string `json:"job_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Receiver turns verified deliveries into pending jobs.
type Receiver struct {
	store queue.Store
	log   logger.Logger
	now   func() time.Time
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithClock overrides the enqueue timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Receiver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReceiver creates a receiver writing to store.
func NewReceiver(store queue.Store, log logger.Logger, opts ...Option) *Receiver {
	r := &Receiver{store: store, log: log, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mount registers the receiver under every prefix in Prefixes. Middleware
// runs in the given order; signature verification must be among it.
func (r *Receiver) Mount(rt router.Router, middleware ...router.MiddlewareFunc) {
	for _, prefix := range Prefixes {
		rt.POST(prefix+"/:topic", r.Handle, middleware...)
	}
}

// Handle enqueues one delivery. It expects httpsignature.Middleware to have
// verified the body and resolved the tenant.
func (r *Receiver) Handle(c router.Context) (err error) {
	req := c.Request()
	rawTopic := c.Param("topic")
	ctx, span := tracing.StartReceiveSpan(req, rawTopic)
	defer func() { tracing.End(span, err) }()
	log := r.log.WithContext(ctx)

	topic, err := queue.NormalizeTopic(rawTopic)
	if err != nil {
		queue.RecordReceived(rawTopic, queue.ReceivedRejected)
		return controller.Error(c, errorMapper, err)
	}

	key, ok := httpsignature.KeyFromContext(c)
	if !ok || key.Owner == "" {
		queue.RecordReceived(topic, queue.ReceivedRejected)
		return controller.Error(c, errorMapper, fmt.Errorf("%w: delivery was not verified", queue.ErrUnauthorized))
	}

	payload, err := io.ReadAll(req.Body)
	if err != nil {
		queue.RecordReceived(topic, queue.ReceivedRejected)
		return controller.Error(c, errorMapper, fmt.Errorf("%w: read body: %v", queue.ErrValidation, err))
	}
	if err := queue.ValidatePayload(payload); err != nil {
		queue.RecordReceived(topic, queue.ReceivedRejected)
		return controller.Error(c, errorMapper, err)
	}

	job, err := r.store.Enqueue(ctx, queue.NewJob{
		TenantID:   key.Owner,
		ShopDomain: key.ID,
		Topic:      topic,
		DeliveryID: strings.TrimSpace(req.Header.Get(HeaderWebhookID)),
		Payload:    payload,
		Signature:  strings.TrimSpace(req.Header.Get(HeaderSignature)),
	}, r.now())
	switch {
	case errors.Is(err, queue.ErrDuplicateDelivery) && job != nil:
		queue.RecordReceived(topic, queue.ReceivedDuplicate)
		log.Info("duplicate webhook delivery", "job_id", job.ID, "tenant_id", key.Owner, "topic", topic)
		return controller.OK(c, Response{Status: "queued", JobID: job.ID, Duplicate: true})
	case errors.Is(err, queue.ErrValidation):
		queue.RecordReceived(topic, queue.ReceivedRejected)
		return controller.Error(c, errorMapper, err)
	case err != nil:
		queue.RecordReceived(topic, queue.ReceivedError)
		log.Error("failed to enqueue webhook", "tenant_id", key.Owner, "topic", topic, "error", err)
		return controller.Error(c, errorMapper, &controller.APIError{
			Status:  http.StatusServiceUnavailable,
			Code:    "queue_unavailable",
			Message: "delivery could not be stored, retry later",
			Cause:   err,
		})
	}

	queue.RecordReceived(topic, queue.ReceivedQueued)
	log.Info("webhook queued", "job_id", job.ID, "tenant_id", job.TenantID, "topic", topic)
	return controller.OK(c, Response{Status: "queued", JobID: job.ID})
}
