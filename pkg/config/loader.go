package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// Loader loads and validates configuration.
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper.
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a loader reading the optional configFile and
// environment variables named <envPrefix>_<SECTION>_<KEY>.
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// SecretKeys lists the settings hidden by "config show" and flagged in the
// schema. A key inside a list applies to every element.
var SecretKeys = []string{
	"database.url",
	"redis.url",
	"webhook.shared_secret",
	"webhook.tenants.secret",
	"admin.jwt_secret",
	"events.rabbitmq.url",
}

// Load resolves configuration with precedence env > file > defaults.
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.LoadSettings()
	return cfg, err
}

// LoadSettings is Load that also returns the merged settings as a nested
// map keyed like the config file.
func (l *ViperLoader) LoadSettings() (*Config, map[string]any, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, v.AllSettings(), nil
}

func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	bindings := map[string]string{
		"service.name":        "SERVICE_NAME",
		"service.environment": "SERVICE_ENVIRONMENT",
		"service.version":     "SERVICE_VERSION",

		"http.port":             "HTTP_PORT",
		"http.router":           "HTTP_ROUTER",
		"http.base_path":        "HTTP_BASE_PATH",
		"http.read_timeout":     "HTTP_READ_TIMEOUT",
		"http.write_timeout":    "HTTP_WRITE_TIMEOUT",
		"http.idle_timeout":     "HTTP_IDLE_TIMEOUT",
		"http.shutdown_timeout": "HTTP_SHUTDOWN_TIMEOUT",

		"management.enabled":       "MGMT_ENABLED",
		"management.port":          "MGMT_PORT",
		"management.read_timeout":  "MGMT_READ_TIMEOUT",
		"management.write_timeout": "MGMT_WRITE_TIMEOUT",

		"database.max_open_conns":     "DB_MAX_OPEN_CONNS",
		"database.max_idle_conns":     "DB_MAX_IDLE_CONNS",
		"database.conn_max_lifetime":  "DB_CONN_MAX_LIFETIME",
		"database.conn_max_idle_time": "DB_CONN_MAX_IDLE_TIME",
		"database.query_timeout":      "DB_QUERY_TIMEOUT",

		"redis.url":               "REDIS_URL",
		"redis.pool_size":         "REDIS_POOL_SIZE",
		"redis.operation_timeout": "REDIS_OPERATION_TIMEOUT",

		"queue.max_attempts":          "QUEUE_MAX_ATTEMPTS",
		"queue.base_backoff_seconds":  "QUEUE_BASE_BACKOFF_SECONDS",
		"queue.max_backoff_seconds":   "QUEUE_MAX_BACKOFF_SECONDS",
		"queue.jitter_fraction":       "QUEUE_JITTER_FRACTION",
		"queue.retention_days":        "QUEUE_RETENTION_DAYS",
		"queue.poll_interval_seconds": "QUEUE_POLL_INTERVAL_SECONDS",
		"queue.batch_size":            "QUEUE_BATCH_SIZE",
		"queue.concurrency":           "QUEUE_CONCURRENCY",
		"queue.handler_timeout":       "QUEUE_HANDLER_TIMEOUT",
		"queue.stale_after":           "QUEUE_STALE_AFTER",
		"queue.auto_requeue_stale":    "QUEUE_AUTO_REQUEUE_STALE",
		"queue.cleanup_batch_limit":   "QUEUE_CLEANUP_BATCH_LIMIT",

		"webhook.shared_secret":    "WEBHOOK_SHARED_SECRET",
		"webhook.max_body_bytes":   "WEBHOOK_MAX_BODY_BYTES",
		"webhook.replay_window":    "WEBHOOK_REPLAY_WINDOW",
		"webhook.tenant_cache_ttl": "WEBHOOK_TENANT_CACHE_TTL",

		"shopify.api_version": "SHOPIFY_API_VERSION",

		"rate_limit.enabled":             "RATE_LIMIT_ENABLED",
		"rate_limit.type":                "RATE_LIMIT_TYPE",
		"rate_limit.requests_per_minute": "RATE_LIMIT_REQUESTS_PER_MINUTE",
		"rate_limit.burst":               "RATE_LIMIT_BURST",
		"rate_limit.prefix":              "RATE_LIMIT_PREFIX",

		"admin.jwt_secret": "ADMIN_JWT_SECRET",
		"admin.issuer":     "ADMIN_ISSUER",
		"admin.audience":   "ADMIN_AUDIENCE",

		"scheduler.lock_provider":       "SCHEDULER_LOCK_PROVIDER",
		"scheduler.lock_ttl":            "SCHEDULER_LOCK_TTL",
		"scheduler.lock_table":          "SCHEDULER_LOCK_TABLE",
		"scheduler.cleanup_schedule":    "SCHEDULER_CLEANUP_SCHEDULE",
		"scheduler.stale_scan_schedule": "SCHEDULER_STALE_SCAN_SCHEDULE",
		"scheduler.depth_schedule":      "SCHEDULER_DEPTH_SCHEDULE",

		"events.type":              "EVENTS_TYPE",
		"events.topic":             "EVENTS_TOPIC",
		"events.operation_timeout": "EVENTS_OPERATION_TIMEOUT",
		"events.kafka.brokers":     "EVENTS_KAFKA_BROKERS",
		"events.rabbitmq.url":      "EVENTS_RABBITMQ_URL",
		"events.rabbitmq.exchange": "EVENTS_RABBITMQ_EXCHANGE",
		"events.sqs.region":        "EVENTS_SQS_REGION",
		"events.sqs.queue_url":     "EVENTS_SQS_QUEUE_URL",
		"events.sqs.endpoint":      "EVENTS_SQS_ENDPOINT",

		"observability.log_level":           "OBSERVABILITY_LOG_LEVEL",
		"observability.log_format":          "OBSERVABILITY_LOG_FORMAT",
		"observability.tracing_enabled":     "OBSERVABILITY_TRACING_ENABLED",
		"observability.tracing_endpoint":    "OBSERVABILITY_TRACING_ENDPOINT",
		"observability.tracing_sample_rate": "OBSERVABILITY_TRACING_SAMPLE_RATE",
	}
	for key, suffix := range bindings {
		_ = v.BindEnv(key, l.prefixedEnv(suffix))
	}
	// DATABASE_URL is what most hosting platforms inject.
	_ = v.BindEnv("database.url", l.prefixedEnv("DB_URL"), "DATABASE_URL")
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "ORDEFY"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)
	v.SetDefault("service.version", cfg.Service.Version)

	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.router", cfg.HTTP.Router)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", cfg.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)

	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)

	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", cfg.Database.ConnMaxIdleTime)
	v.SetDefault("database.query_timeout", cfg.Database.QueryTimeout)

	v.SetDefault("redis.url", cfg.Redis.URL)
	v.SetDefault("redis.pool_size", cfg.Redis.PoolSize)
	v.SetDefault("redis.operation_timeout", cfg.Redis.OperationTimeout)

	v.SetDefault("queue.max_attempts", cfg.Queue.MaxAttempts)
	v.SetDefault("queue.base_backoff_seconds", cfg.Queue.BaseBackoffSeconds)
	v.SetDefault("queue.max_backoff_seconds", cfg.Queue.MaxBackoffSeconds)
	v.SetDefault("queue.jitter_fraction", cfg.Queue.JitterFraction)
	v.SetDefault("queue.retention_days", cfg.Queue.RetentionDays)
	v.SetDefault("queue.poll_interval_seconds", cfg.Queue.PollIntervalSeconds)
	v.SetDefault("queue.batch_size", cfg.Queue.BatchSize)
	v.SetDefault("queue.concurrency", cfg.Queue.Concurrency)
	v.SetDefault("queue.handler_timeout", cfg.Queue.HandlerTimeout)
	v.SetDefault("queue.stale_after", cfg.Queue.StaleAfter)
	v.SetDefault("queue.auto_requeue_stale", cfg.Queue.AutoRequeueStale)
	v.SetDefault("queue.cleanup_batch_limit", cfg.Queue.CleanupBatchLimit)

	v.SetDefault("webhook.shared_secret", cfg.Webhook.SharedSecret)
	v.SetDefault("webhook.max_body_bytes", cfg.Webhook.MaxBodyBytes)
	v.SetDefault("webhook.replay_window", cfg.Webhook.ReplayWindow)
	v.SetDefault("webhook.tenant_cache_ttl", cfg.Webhook.TenantCacheTTL)

	v.SetDefault("shopify.api_version", cfg.Shopify.APIVersion)

	v.SetDefault("rate_limit.enabled", cfg.RateLimit.Enabled)
	v.SetDefault("rate_limit.type", cfg.RateLimit.Type)
	v.SetDefault("rate_limit.requests_per_minute", cfg.RateLimit.RequestsPerMinute)
	v.SetDefault("rate_limit.burst", cfg.RateLimit.Burst)
	v.SetDefault("rate_limit.prefix", cfg.RateLimit.Prefix)

	v.SetDefault("admin.jwt_secret", cfg.Admin.JWTSecret)
	v.SetDefault("admin.issuer", cfg.Admin.Issuer)
	v.SetDefault("admin.audience", cfg.Admin.Audience)

	v.SetDefault("scheduler.lock_provider", cfg.Scheduler.LockProvider)
	v.SetDefault("scheduler.lock_ttl", cfg.Scheduler.LockTTL)
	v.SetDefault("scheduler.lock_table", cfg.Scheduler.LockTable)
	v.SetDefault("scheduler.cleanup_schedule", cfg.Scheduler.CleanupSchedule)
	v.SetDefault("scheduler.stale_scan_schedule", cfg.Scheduler.StaleScanSchedule)
	v.SetDefault("scheduler.depth_schedule", cfg.Scheduler.DepthSchedule)

	v.SetDefault("events.type", cfg.Events.Type)
	v.SetDefault("events.topic", cfg.Events.Topic)
	v.SetDefault("events.operation_timeout", cfg.Events.OperationTimeout)
	v.SetDefault("events.kafka.brokers", cfg.Events.Kafka.Brokers)
	v.SetDefault("events.rabbitmq.url", cfg.Events.RabbitMQ.URL)
	v.SetDefault("events.rabbitmq.exchange", cfg.Events.RabbitMQ.Exchange)
	v.SetDefault("events.sqs.region", cfg.Events.SQS.Region)
	v.SetDefault("events.sqs.queue_url", cfg.Events.SQS.QueueURL)
	v.SetDefault("events.sqs.endpoint", cfg.Events.SQS.Endpoint)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
}

// Validate checks cross-field constraints and normalizes enumerations.
func (l *ViperLoader) Validate(cfg *Config) error {
	return cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	c.HTTP.Router = strings.ToLower(strings.TrimSpace(c.HTTP.Router))
	if !contains([]string{RouterTypeGin, RouterTypeGorilla}, c.HTTP.Router) {
		errs = append(errs, fmt.Errorf("invalid http.router: %s (must be gin or gorilla)", c.HTTP.Router))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid http.port: %d", c.HTTP.Port))
	}
	if c.Management.Enabled && (c.Management.Port <= 0 || c.Management.Port > 65535) {
		errs = append(errs, fmt.Errorf("invalid management.port: %d", c.Management.Port))
	}
	if c.Management.Enabled && c.Management.Port == c.HTTP.Port {
		errs = append(errs, errors.New("management.port must differ from http.port"))
	}
	if c.HTTP.BasePath != "" && !strings.HasPrefix(c.HTTP.BasePath, "/") {
		errs = append(errs, fmt.Errorf("http.base_path must start with '/': %s", c.HTTP.BasePath))
	}

	if c.Database.URL != "" {
		if _, err := url.Parse(c.Database.URL); err != nil {
			errs = append(errs, fmt.Errorf("invalid database.url: %w", err))
		}
	}

	q := c.Queue
	if q.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if q.BaseBackoffSeconds < 1 {
		errs = append(errs, errors.New("queue.base_backoff_seconds must be at least 1"))
	}
	if q.MaxBackoffSeconds < q.BaseBackoffSeconds {
		errs = append(errs, errors.New("queue.max_backoff_seconds must be >= queue.base_backoff_seconds"))
	}
	if q.JitterFraction < 0 || q.JitterFraction >= 1 {
		errs = append(errs, errors.New("queue.jitter_fraction must be in [0, 1)"))
	}
	if q.RetentionDays < 1 {
		errs = append(errs, errors.New("queue.retention_days must be at least 1"))
	}
	if q.PollIntervalSeconds < 1 {
		errs = append(errs, errors.New("queue.poll_interval_seconds must be at least 1"))
	}
	if q.BatchSize < 1 || q.BatchSize > 1000 {
		errs = append(errs, errors.New("queue.batch_size must be between 1 and 1000"))
	}
	if q.Concurrency < 1 {
		errs = append(errs, errors.New("queue.concurrency must be at least 1"))
	}
	if q.HandlerTimeout < 0 {
		errs = append(errs, errors.New("queue.handler_timeout cannot be negative"))
	}
	if q.StaleAfter <= 0 {
		errs = append(errs, errors.New("queue.stale_after must be positive"))
	}

	if c.Webhook.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("webhook.max_body_bytes must be positive"))
	}
	for i, tenant := range c.Webhook.Tenants {
		if strings.TrimSpace(tenant.ID) == "" || strings.TrimSpace(tenant.ShopDomain) == "" {
			errs = append(errs, fmt.Errorf("webhook.tenants[%d] requires id and shop_domain", i))
		}
	}

	if strings.TrimSpace(c.Shopify.APIVersion) == "" {
		errs = append(errs, errors.New("shopify.api_version is required"))
	}

	if c.RateLimit.Enabled {
		c.RateLimit.Type = strings.ToLower(strings.TrimSpace(c.RateLimit.Type))
		if !contains([]string{RateLimitTypeMemory, RateLimitTypeRedis}, c.RateLimit.Type) {
			errs = append(errs, fmt.Errorf("invalid rate_limit.type: %s", c.RateLimit.Type))
		}
		if c.RateLimit.RequestsPerMinute <= 0 {
			errs = append(errs, errors.New("rate_limit.requests_per_minute must be positive"))
		}
		if c.RateLimit.Burst < 0 {
			errs = append(errs, errors.New("rate_limit.burst cannot be negative"))
		}
		if c.RateLimit.Type == RateLimitTypeRedis && c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required when rate_limit.type=redis"))
		}
	}

	c.Scheduler.LockProvider = strings.ToLower(strings.TrimSpace(c.Scheduler.LockProvider))
	if !contains([]string{SchedulerLockProviderPostgres, SchedulerLockProviderRedis}, c.Scheduler.LockProvider) {
		errs = append(errs, fmt.Errorf("invalid scheduler.lock_provider: %s", c.Scheduler.LockProvider))
	}
	if c.Scheduler.LockProvider == SchedulerLockProviderRedis && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required when scheduler.lock_provider=redis"))
	}
	if c.Scheduler.LockTTL <= 0 {
		errs = append(errs, errors.New("scheduler.lock_ttl must be positive"))
	}

	c.Events.Type = strings.ToLower(strings.TrimSpace(c.Events.Type))
	switch c.Events.Type {
	case "", EventsTypeNone:
		c.Events.Type = EventsTypeNone
	case EventsTypeKafka:
		if len(c.Events.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("events.kafka.brokers is required when events.type=kafka"))
		}
	case EventsTypeRabbitMQ:
		if c.Events.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("events.rabbitmq.url is required when events.type=rabbitmq"))
		}
	case EventsTypeSQS:
		if c.Events.SQS.Region == "" || c.Events.SQS.QueueURL == "" {
			errs = append(errs, errors.New("events.sqs.region and events.sqs.queue_url are required when events.type=sqs"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid events.type: %s", c.Events.Type))
	}

	if !contains([]string{"debug", "info", "warn", "warning", "error"}, strings.ToLower(c.Observability.LogLevel)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s", c.Observability.LogLevel))
	}
	if !contains([]string{"json", "text", "console"}, strings.ToLower(c.Observability.LogFormat)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s", c.Observability.LogFormat))
	}
	if c.Observability.TracingEnabled && c.Observability.TracingEndpoint == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}

	return errors.Join(errs...)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
