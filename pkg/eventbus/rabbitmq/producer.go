// Package rabbitmq publishes eventbus messages to a RabbitMQ exchange.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ordefy/ordefy/pkg/eventbus"
	"github.com/ordefy/ordefy/pkg/observability/logger"
)

// Config holds RabbitMQ producer configuration.
type Config struct {
	URL              string
	Exchange         string
	ExchangeType     string
	OperationTimeout time.Duration
}

// channel is the subset of *amqp.Channel the producer uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Producer publishes persistent messages; the topic is the routing key.
type Producer struct {
	conn   *amqp.Connection
	ch     channel
	logger logger.Logger
	config Config
	mu     sync.RWMutex
	closed bool
}

// NewProducer connects and declares a durable exchange.
func NewProducer(cfg Config, log logger.Logger) (*Producer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	cfg = withDefaults(cfg)

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info("rabbitmq producer initialized", "exchange", cfg.Exchange, "exchange_type", cfg.ExchangeType)
	p := newProducer(ch, cfg, log)
	p.conn = conn
	return p, nil
}

func newProducer(ch channel, cfg Config, log logger.Logger) *Producer {
	return &Producer{ch: ch, logger: log, config: withDefaults(cfg)}
}

func withDefaults(cfg Config) Config {
	if cfg.Exchange == "" {
		cfg.Exchange = "events"
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = "topic"
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	return cfg
}

// Publish sends message to the exchange with topic as routing key.
func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return eventbus.ErrClosed
	}
	if message == nil {
		return fmt.Errorf("message is required")
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	publishing := amqp.Publishing{
		MessageId:    message.ID,
		ContentType:  message.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         message.Value,
		Timestamp:    message.Timestamp,
		Headers:      toAMQPHeaders(message.Headers, message.Key),
	}
	if err := p.ch.PublishWithContext(ctx, p.config.Exchange, topic, false, false, publishing); err != nil {
		p.logger.Error("failed to publish to rabbitmq", "routing_key", topic, "message_id", message.ID, "error", err)
		return fmt.Errorf("failed to publish rabbitmq message: %w", err)
	}
	return nil
}

// PublishBatch publishes messages one by one and stops at the first failure.
func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	for _, msg := range messages {
		if err := p.Publish(ctx, topic, msg); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck opens and closes a channel on the live connection.
func (p *Producer) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	closed, conn := p.closed, p.conn
	p.mu.RUnlock()
	if closed {
		return eventbus.ErrClosed
	}
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq health check: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq health check failed: %w", err)
	}
	_ = ch.Close()
	return nil
}

// Close closes the channel and connection.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("rabbitmq close errors: %v", errs)
	}
	return nil
}

func toAMQPHeaders(headers map[string]string, key string) amqp.Table {
	if len(headers) == 0 && key == "" {
		return nil
	}
	t := amqp.Table{}
	for k, v := range headers {
		t[k] = v
	}
	if key != "" {
		t["message_key"] = key
	}
	return t
}
