// Package queue persists inbound webhook deliveries as jobs and drains them
// with retry and backoff bookkeeping.
package queue

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job is one persisted webhook delivery. Payload and Signature are written
// once at enqueue time.
type Job struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	ShopDomain    string          `json:"shop_domain"`
	Topic         string          `json:"topic"`
	DeliveryID    string          `json:"delivery_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"-"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// NewJob is the input to Store.Enqueue.
type NewJob struct {
	TenantID   string
	ShopDomain string
	Topic      string
	DeliveryID string
	Payload    []byte
	Signature  string
}

// Validate checks the fields the receiver is responsible for.
func (n NewJob) Validate() error {
	if strings.TrimSpace(n.TenantID) == "" {
		return queueError(ErrValidation, "tenant id is required")
	}
	if !topicPattern.MatchString(n.Topic) {
		return queueError(ErrValidation, "invalid topic "+n.Topic)
	}
	if strings.TrimSpace(n.Signature) == "" {
		return queueError(ErrValidation, "signature is required")
	}
	return ValidatePayload(n.Payload)
}

// ValidatePayload requires a JSON object.
func ValidatePayload(payload []byte) error {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return queueError(ErrValidation, "payload is empty")
	}
	if !strings.HasPrefix(trimmed, "{") || !json.Valid(payload) {
		return queueError(ErrValidation, "payload must be a JSON object")
	}
	return nil
}

const maxTopicLength = 128

var topicPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Shopify sends some topics under a resource name that differs from the
// handler name once pluralization is dropped.
var topicAliases = map[string]string{
	"inventory_levels-update": "inventory-update",
	"inventory-levels-update": "inventory-update",
	"inventory_level-update":  "inventory-update",
	"app-uninstall":           "app-uninstalled",
	"order-cancel":            "order-cancelled",
	"order-update":            "order-updated",
}

// NormalizeTopic maps the provider topic spellings to one canonical form:
// "orders/create", "orders-create" and "order-create" all become
// "order-create".
func NormalizeTopic(raw string) (string, error) {
	topic := strings.ToLower(strings.TrimSpace(raw))
	topic = strings.ReplaceAll(topic, "/", "-")
	if topic == "" {
		return "", queueError(ErrValidation, "topic is required")
	}
	if len(topic) > maxTopicLength {
		return "", queueError(ErrValidation, "topic is too long")
	}

	resource, action, found := strings.Cut(topic, "-")
	if found {
		switch resource {
		case "orders", "products":
			topic = strings.TrimSuffix(resource, "s") + "-" + action
		}
	}
	if alias, ok := topicAliases[topic]; ok {
		topic = alias
	}
	if !topicPattern.MatchString(topic) {
		return "", queueError(ErrValidation, "invalid topic "+raw)
	}
	return topic, nil
}
