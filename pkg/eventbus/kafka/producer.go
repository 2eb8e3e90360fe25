// Package kafka publishes eventbus messages to Apache Kafka.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ordefy/ordefy/pkg/eventbus"
	"github.com/ordefy/ordefy/pkg/observability/logger"
)

// Config holds the Kafka producer configuration.
type Config struct {
	// Brokers is the list of broker addresses, e.g. ["localhost:9092"].
	Brokers []string

	// OperationTimeout bounds each publish.
	OperationTimeout time.Duration

	// MaxRetries is how many times the writer retries a failed write.
	MaxRetries int
}

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes messages with a single kafka.Writer shared by all topics.
type Producer struct {
	writer messageWriter
	logger logger.Logger
	config Config
	mu     sync.RWMutex
	closed bool
}

// NewProducer creates a producer. It does not dial the brokers; the first
// publish or HealthCheck does.
func NewProducer(cfg Config, log logger.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	cfg = withDefaults(cfg)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxRetries,
		WriteTimeout: cfg.OperationTimeout,
		ReadTimeout:  cfg.OperationTimeout,
		RequiredAcks: kafka.RequireAll,
	}

	log.Info("kafka producer initialized",
		"brokers", cfg.Brokers,
		"operation_timeout", cfg.OperationTimeout,
	)
	return newProducer(writer, cfg, log), nil
}

func newProducer(writer messageWriter, cfg Config, log logger.Logger) *Producer {
	return &Producer{writer: writer, logger: log, config: withDefaults(cfg)}
}

func withDefaults(cfg Config) Config {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return cfg
}

// Publish writes one message. The message key selects the partition.
func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if message == nil {
		return fmt.Errorf("message is required")
	}
	return p.PublishBatch(ctx, topic, []*eventbus.Message{message})
}

// PublishBatch writes messages in a single request.
func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return eventbus.ErrClosed
	}
	if len(messages) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	kafkaMessages := make([]kafka.Message, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			return fmt.Errorf("message is required")
		}
		kafkaMessages = append(kafkaMessages, toKafkaMessage(topic, msg))
	}

	if err := p.writer.WriteMessages(ctx, kafkaMessages...); err != nil {
		p.logger.Error("failed to publish to kafka",
			"topic", topic,
			"batch_size", len(messages),
			"error", err,
		)
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	p.logger.Debug("published to kafka", "topic", topic, "batch_size", len(messages))
	return nil
}

// HealthCheck dials the first broker and fetches cluster metadata.
func (p *Producer) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return eventbus.ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("failed to fetch broker metadata: %w", err)
	}
	return nil
}

// Close flushes the writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	p.logger.Info("kafka producer closed")
	return nil
}

func toKafkaMessage(topic string, msg *eventbus.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if msg.ID != "" {
		headers = append(headers, kafka.Header{Key: "message_id", Value: []byte(msg.ID)})
	}
	if msg.ContentType != "" {
		headers = append(headers, kafka.Header{Key: "content_type", Value: []byte(msg.ContentType)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
		Time:    msg.Timestamp,
	}
}
