// Package sqs publishes eventbus messages to an AWS SQS queue.
package sqs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ordefy/ordefy/pkg/eventbus"
	"github.com/ordefy/ordefy/pkg/observability/logger"
)

// maxBatchEntries is the SQS limit for SendMessageBatch.
const maxBatchEntries = 10

// Config holds SQS producer configuration.
type Config struct {
	Region           string
	QueueURL         string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
}

// client is the subset of *sqs.Client the producer uses.
type client interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Producer sends messages to one queue. The topic travels as a message
// attribute, unless it is itself a queue URL.
type Producer struct {
	client client
	logger logger.Logger
	config Config
	mu     sync.RWMutex
	closed bool
}

// NewProducer loads AWS configuration and builds the client. A custom
// endpoint supports LocalStack and ElasticMQ.
func NewProducer(cfg Config, log logger.Logger) (*Producer, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("sqs queue URL is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	log.Info("sqs producer initialized", "region", cfg.Region, "queue_url", cfg.QueueURL)
	return newProducer(sqs.NewFromConfig(awsCfg, opts...), cfg, log), nil
}

func newProducer(c client, cfg Config, log logger.Logger) *Producer {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	return &Producer{client: c, logger: log, config: cfg}
}

func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if message == nil {
		return fmt.Errorf("message is required")
	}

	queueURL := p.resolveQueueURL(topic)
	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(string(message.Value)),
		MessageAttributes: toSQSAttributes(topic, message),
	}
	if isFIFO(queueURL) {
		input.MessageGroupId = aws.String(groupID(message))
		input.MessageDeduplicationId = deduplicationID(message)
	}
	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Error("failed to publish to sqs", "queue_url", queueURL, "message_id", message.ID, "error", err)
		return fmt.Errorf("failed to publish sqs message: %w", err)
	}
	return nil
}

// PublishBatch sends messages in chunks of ten. Partial failures reported
// by SQS are returned as an error naming the failed entries.
func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	queueURL := p.resolveQueueURL(topic)
	fifo := isFIFO(queueURL)
	for start := 0; start < len(messages); start += maxBatchEntries {
		end := min(start+maxBatchEntries, len(messages))
		entries := make([]types.SendMessageBatchRequestEntry, 0, end-start)
		for i, m := range messages[start:end] {
			if m == nil {
				return fmt.Errorf("message is required")
			}
			entry := types.SendMessageBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(start + i)),
				MessageBody:       aws.String(string(m.Value)),
				MessageAttributes: toSQSAttributes(topic, m),
			}
			if fifo {
				entry.MessageGroupId = aws.String(groupID(m))
				entry.MessageDeduplicationId = deduplicationID(m)
			}
			entries = append(entries, entry)
		}

		opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
		out, err := p.client.SendMessageBatch(opCtx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  entries,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("failed to publish sqs batch: %w", err)
		}
		if out != nil && len(out.Failed) > 0 {
			ids := make([]string, 0, len(out.Failed))
			for _, f := range out.Failed {
				ids = append(ids, aws.ToString(f.Id))
			}
			return fmt.Errorf("sqs rejected %d batch entries: %s", len(out.Failed), strings.Join(ids, ","))
		}
	}
	return nil
}

// HealthCheck reads the queue ARN.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("sqs health check failed: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Producer) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return eventbus.ErrClosed
	}
	return nil
}

func (p *Producer) resolveQueueURL(topic string) string {
	if strings.HasPrefix(topic, "https://") || strings.HasPrefix(topic, "http://") {
		return topic
	}
	return p.config.QueueURL
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}

func groupID(m *eventbus.Message) string {
	if m.Key != "" {
		return m.Key
	}
	return "default"
}

func deduplicationID(m *eventbus.Message) *string {
	if m.ID == "" {
		return nil
	}
	return aws.String(m.ID)
}

func toSQSAttributes(topic string, m *eventbus.Message) map[string]types.MessageAttributeValue {
	attrs := make(map[string]types.MessageAttributeValue, len(m.Headers)+3)
	for k, v := range m.Headers {
		attrs[k] = stringAttribute(v)
	}
	if topic != "" && !strings.Contains(topic, "://") {
		attrs["topic"] = stringAttribute(topic)
	}
	if m.ID != "" {
		attrs["message_id"] = stringAttribute(m.ID)
	}
	if m.ContentType != "" {
		attrs["content_type"] = stringAttribute(m.ContentType)
	}
	return attrs
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}
