package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ordefy/ordefy/pkg/eventbus"
	"github.com/ordefy/ordefy/pkg/resilience"
)

// Lifecycle event types.
const (
	EventJobCompleted      = "job.completed"
	EventJobFailed         = "job.failed"
	EventJobRetryScheduled = "job.retry_scheduled"
)

// Event describes a job status change worth telling other systems about.
type Event struct {
	Type string
	Job  *Job
	At   time.Time
}

// Notifier publishes lifecycle events. Failures are logged by the caller and
// never change the job outcome.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// eventPayload is the wire shape of a lifecycle event. It omits the webhook
// payload and signature.
type eventPayload struct {
	Type       string    `json:"type"`
	JobID      string    `json:"job_id"`
	TenantID   string    `json:"tenant_id"`
	ShopDomain string    `json:"shop_domain"`
	Topic      string    `json:"topic"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// BusNotifier publishes events to a message broker through an eventbus
// producer. A circuit breaker stops calling a broker that keeps failing so a
// broker outage does not slow the worker down.
type BusNotifier struct {
	producer eventbus.Producer
	topic    string
	breaker  *resilience.Breaker
	timeout  time.Duration
}

// NewBusNotifier publishes to topic on producer.
func NewBusNotifier(producer eventbus.Producer, topic string, timeout time.Duration) *BusNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BusNotifier{
		producer: producer,
		topic:    topic,
		breaker:  resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 5, Cooldown: 30 * time.Second}),
		timeout:  timeout,
	}
}

func (n *BusNotifier) Notify(ctx context.Context, event Event) error {
	if event.Job == nil {
		return nil
	}
	body, err := json.Marshal(eventPayload{
		Type:       event.Type,
		JobID:      event.Job.ID,
		TenantID:   event.Job.TenantID,
		ShopDomain: event.Job.ShopDomain,
		Topic:      event.Job.Topic,
		Status:     event.Job.Status,
		Attempts:   event.Job.Attempts,
		LastError:  event.Job.LastError,
		OccurredAt: event.At.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	msg := &eventbus.Message{
		ID:          uuid.NewString(),
		Key:         event.Job.TenantID,
		Value:       body,
		ContentType: "application/json",
		Timestamp:   event.At.UTC(),
		Headers: map[string]string{
			"event_type": event.Type,
			"tenant_id":  event.Job.TenantID,
		},
	}
	return n.breaker.Do(func() error {
		return resilience.WithTimeout(ctx, n.timeout, func(ctx context.Context) error {
			return n.producer.Publish(ctx, n.topic, msg)
		})
	})
}
