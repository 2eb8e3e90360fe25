// Package factory selects the event producer configured for queue events.
package factory

import (
	"fmt"
	"strings"

	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/eventbus"
	"github.com/ordefy/ordefy/pkg/eventbus/kafka"
	"github.com/ordefy/ordefy/pkg/eventbus/rabbitmq"
	"github.com/ordefy/ordefy/pkg/eventbus/sqs"
	"github.com/ordefy/ordefy/pkg/observability/logger"
)

// NewProducer returns the producer for cfg.Type, or nil when events are
// disabled.
func NewProducer(cfg config.EventsConfig, log logger.Logger) (eventbus.Producer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", config.EventsTypeNone:
		return nil, nil
	case config.EventsTypeKafka:
		return kafka.NewProducer(kafka.Config{
			Brokers:          cfg.Kafka.Brokers,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.EventsTypeRabbitMQ:
		return rabbitmq.NewProducer(rabbitmq.Config{
			URL:              cfg.RabbitMQ.URL,
			Exchange:         cfg.RabbitMQ.Exchange,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.EventsTypeSQS:
		return sqs.NewProducer(sqs.Config{
			Region:           cfg.SQS.Region,
			QueueURL:         cfg.SQS.QueueURL,
			Endpoint:         cfg.SQS.Endpoint,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported events type: %s", cfg.Type)
	}
}
