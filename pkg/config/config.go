// Package config defines the service configuration and its loader.
package config

import "time"

// Router type constants
const (
	RouterTypeGin     = "gin"
	RouterTypeGorilla = "gorilla"
)

// Rate limiter backend constants
const (
	RateLimitTypeMemory = "memory"
	RateLimitTypeRedis  = "redis"
)

// Scheduler lock provider constants
const (
	SchedulerLockProviderPostgres = "postgres"
	SchedulerLockProviderRedis    = "redis"
)

// Queue event publisher constants
const (
	EventsTypeNone     = "none"
	EventsTypeKafka    = "kafka"
	EventsTypeRabbitMQ = "rabbitmq"
	EventsTypeSQS      = "sqs"
)

// Config is the root configuration, loaded once at startup and passed to
// every component that needs a value from it.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Management    ManagementConfig    `mapstructure:"management"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Shopify       ShopifyConfig       `mapstructure:"shopify"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Events        EventsConfig        `mapstructure:"events"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`
}

// HTTPConfig configures the public API server.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	Router          string        `mapstructure:"router"`
	BasePath        string        `mapstructure:"base_path"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ManagementConfig configures the management server (/health, /ready, /metrics).
type ManagementConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// RedisConfig configures the shared Redis client used by the distributed
// rate limiter and the scheduler lock.
type RedisConfig struct {
	URL              string        `mapstructure:"url"`
	PoolSize         int           `mapstructure:"pool_size"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// QueueConfig holds the webhook queue tunables.
type QueueConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BaseBackoffSeconds  int           `mapstructure:"base_backoff_seconds"`
	MaxBackoffSeconds   int           `mapstructure:"max_backoff_seconds"`
	JitterFraction      float64       `mapstructure:"jitter_fraction"`
	RetentionDays       int           `mapstructure:"retention_days"`
	PollIntervalSeconds int           `mapstructure:"poll_interval_seconds"`
	BatchSize           int           `mapstructure:"batch_size"`
	Concurrency         int           `mapstructure:"concurrency"`
	HandlerTimeout      time.Duration `mapstructure:"handler_timeout"`
	StaleAfter          time.Duration `mapstructure:"stale_after"`
	AutoRequeueStale    bool          `mapstructure:"auto_requeue_stale"`
	CleanupBatchLimit   int           `mapstructure:"cleanup_batch_limit"`
}

// WebhookConfig configures the inbound receiver.
type WebhookConfig struct {
	// SharedSecret is the app-wide signing secret used when a tenant has none.
	SharedSecret   string         `mapstructure:"shared_secret"`
	MaxBodyBytes   int64          `mapstructure:"max_body_bytes"`
	ReplayWindow   time.Duration  `mapstructure:"replay_window"`
	TenantCacheTTL time.Duration  `mapstructure:"tenant_cache_ttl"`
	Tenants        []StaticTenant `mapstructure:"tenants"`
}

// StaticTenant declares a tenant in configuration, for development setups
// without a populated integrations table.
type StaticTenant struct {
	ID         string `mapstructure:"id"`
	ShopDomain string `mapstructure:"shop_domain"`
	Secret     string `mapstructure:"secret"`
}

// ShopifyConfig holds values shared by every Shopify-facing component.
type ShopifyConfig struct {
	APIVersion string `mapstructure:"api_version"`
}

// RateLimitConfig configures rate limiting on the webhook routes.
type RateLimitConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Type              string `mapstructure:"type"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
	Prefix            string `mapstructure:"prefix"`
}

// AdminConfig configures authentication for the admin endpoints.
type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

// SchedulerConfig configures the periodic maintenance tasks.
type SchedulerConfig struct {
	LockProvider      string        `mapstructure:"lock_provider"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	LockTable         string        `mapstructure:"lock_table"`
	CleanupSchedule   string        `mapstructure:"cleanup_schedule"`
	StaleScanSchedule string        `mapstructure:"stale_scan_schedule"`
	DepthSchedule     string        `mapstructure:"depth_schedule"`
}

// EventsConfig configures publication of queue lifecycle events.
type EventsConfig struct {
	Type             string         `mapstructure:"type"`
	Topic            string         `mapstructure:"topic"`
	OperationTimeout time.Duration  `mapstructure:"operation_timeout"`
	Kafka            KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ         RabbitMQConfig `mapstructure:"rabbitmq"`
	SQS              SQSConfig      `mapstructure:"sqs"`
}

// KafkaConfig configures the Kafka producer.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// RabbitMQConfig configures the RabbitMQ producer.
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// SQSConfig configures the SQS producer.
type SQSConfig struct {
	Region   string `mapstructure:"region"`
	QueueURL string `mapstructure:"queue_url"`
	Endpoint string `mapstructure:"endpoint"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level"`
	LogFormat         string  `mapstructure:"log_format"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "ordefy",
			Environment: "production",
			Version:     "dev",
		},
		HTTP: HTTPConfig{
			Port:            8080,
			Router:          RouterTypeGin,
			BasePath:        "/api",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Management: ManagementConfig{
			Enabled:      true,
			Port:         9090,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    10 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize:         10,
			OperationTimeout: 2 * time.Second,
		},
		Queue: QueueConfig{
			MaxAttempts:         5,
			BaseBackoffSeconds:  30,
			MaxBackoffSeconds:   3600,
			JitterFraction:      0.2,
			RetentionDays:       7,
			PollIntervalSeconds: 5,
			BatchSize:           25,
			Concurrency:         4,
			StaleAfter:          15 * time.Minute,
			CleanupBatchLimit:   10000,
		},
		Webhook: WebhookConfig{
			MaxBodyBytes:   1 << 20,
			TenantCacheTTL: time.Minute,
		},
		Shopify: ShopifyConfig{
			APIVersion: "2025-01",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			Type:              RateLimitTypeMemory,
			RequestsPerMinute: 600,
			Burst:             100,
			Prefix:            "ordefy:ratelimit",
		},
		Admin: AdminConfig{
			Issuer: "ordefy",
		},
		Scheduler: SchedulerConfig{
			LockProvider:      SchedulerLockProviderPostgres,
			LockTTL:           time.Minute,
			LockTable:         "scheduler_locks",
			CleanupSchedule:   "0 3 * * *",
			StaleScanSchedule: "@every 1m",
			DepthSchedule:     "@every 15s",
		},
		Events: EventsConfig{
			Type:             EventsTypeNone,
			Topic:            "ordefy.webhook_jobs",
			OperationTimeout: 5 * time.Second,
			RabbitMQ: RabbitMQConfig{
				Exchange: "ordefy.events",
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingSampleRate: 0.1,
		},
	}
}

// BaseBackoff returns the configured base retry delay.
func (q QueueConfig) BaseBackoff() time.Duration {
	return time.Duration(q.BaseBackoffSeconds) * time.Second
}

// MaxBackoff returns the configured retry delay cap.
func (q QueueConfig) MaxBackoff() time.Duration {
	return time.Duration(q.MaxBackoffSeconds) * time.Second
}

// PollInterval returns the configured worker poll interval.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalSeconds) * time.Second
}

// Retention returns how long completed jobs are kept.
func (q QueueConfig) Retention() time.Duration {
	return time.Duration(q.RetentionDays) * 24 * time.Hour
}
