// Package eventbus publishes messages to an external broker.
//
// Only the producing side is modelled: queue lifecycle events leave the
// service, nothing inside it consumes from a broker.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by producers used after Close.
var ErrClosed = errors.New("producer is closed")

// Producer publishes messages to topics.
type Producer interface {
	// Publish sends a single message to topic.
	Publish(ctx context.Context, topic string, message *Message) error

	// PublishBatch sends messages to topic. It fails on the first message
	// the broker rejects.
	PublishBatch(ctx context.Context, topic string, messages []*Message) error

	// HealthCheck verifies connectivity to the broker.
	HealthCheck(ctx context.Context) error

	// Close flushes pending messages and releases the connection.
	Close() error
}

// Message is a message to be published.
type Message struct {
	// ID is a unique identifier for the message.
	ID string

	// Key is used for partitioning. Messages with the same key land on the
	// same Kafka partition.
	Key string

	// Value is the serialized payload.
	Value []byte

	// Headers carries arbitrary string metadata.
	Headers map[string]string

	// ContentType indicates the serialization format, e.g. application/json.
	ContentType string

	// Timestamp is when the message was created.
	Timestamp time.Time
}

// MemoryProducer keeps published messages in memory. It backs local runs
// with events disabled and tests that assert on published events.
type MemoryProducer struct {
	mu       sync.Mutex
	messages map[string][]*Message
	closed   bool
}

// NewMemoryProducer returns an empty MemoryProducer.
func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{messages: make(map[string][]*Message)}
}

func (p *MemoryProducer) Publish(_ context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.messages[topic] = append(p.messages[topic], message)
	return nil
}

func (p *MemoryProducer) PublishBatch(ctx context.Context, topic string, messages []*Message) error {
	for _, msg := range messages {
		if err := p.Publish(ctx, topic, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *MemoryProducer) HealthCheck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

func (p *MemoryProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Messages returns a copy of what was published to topic.
func (p *MemoryProducer) Messages(topic string) []*Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Message(nil), p.messages[topic]...)
}
