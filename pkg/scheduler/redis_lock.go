package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ordefy/ordefy/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "ordefy:scheduler:lock"
	defaultRedisOperationTimeout = 3 * time.Second
)

// leaseScript renews (ARGV[2] > 0, milliseconds) or releases (ARGV[2] == 0)
// the key, but only for the holder of the token in ARGV[1].
var leaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[2]) > 0 then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return redis.call("DEL", KEYS[1])
`)

// RedisLockProviderConfig configures leases stored as Redis keys.
type RedisLockProviderConfig struct {
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisLockProviderConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisLockProvider stores each lease as a key holding a random token with
// the lease TTL. It suits deployments that already run Redis for rate
// limiting.
type RedisLockProvider struct {
	client redis.UniversalClient
	log    logger.Logger
	config RedisLockProviderConfig
}

// NewRedisLockProvider uses the shared client. The provider does not own
// the client, so Close leaves it open.
func NewRedisLockProvider(client redis.UniversalClient, cfg RedisLockProviderConfig, log logger.Logger) (*RedisLockProvider, error) {
	if client == nil {
		return nil, schedulerError(ErrInvalidArgument, "redis client is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &RedisLockProvider{client: client, log: log, config: cfg}, nil
}

func (p *RedisLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	if err := p.ready(); err != nil {
		return nil, false, err
	}
	key = strings.TrimSpace(key)
	if key == "" || ttl <= 0 {
		return nil, false, schedulerError(ErrInvalidArgument, "lock key and positive ttl are required")
	}

	token := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	err := p.client.SetArgs(ctx, p.fullKey(key), token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, errors.Join(schedulerError(ErrRetryable, "acquire lock "+key), err)
	}
	return &LockLease{Key: key, Token: token, ExpireAt: time.Now().UTC().Add(ttl)}, true, nil
}

func (p *RedisLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if ttl <= 0 {
		return schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}
	if err := p.runLeaseScript(ctx, lease, ttl.Milliseconds(), "renew"); err != nil {
		return err
	}
	lease.ExpireAt = time.Now().UTC().Add(ttl)
	return nil
}

func (p *RedisLockProvider) Release(ctx context.Context, lease *LockLease) error {
	return p.runLeaseScript(ctx, lease, 0, "release")
}

func (p *RedisLockProvider) runLeaseScript(ctx context.Context, lease *LockLease, ttlMillis int64, op string) error {
	if err := p.ready(); err != nil {
		return err
	}
	if lease == nil || strings.TrimSpace(lease.Key) == "" || strings.TrimSpace(lease.Token) == "" {
		return schedulerError(ErrInvalidArgument, "lease key and token are required")
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	changed, err := leaseScript.Run(ctx, p.client, []string{p.fullKey(lease.Key)}, lease.Token, ttlMillis).Int64()
	if err != nil {
		return errors.Join(schedulerError(ErrRetryable, op+" lock "+lease.Key), err)
	}
	if changed == 0 {
		return schedulerError(ErrConflict, op+" lock "+lease.Key+": lease lost")
	}
	return nil
}

func (p *RedisLockProvider) HealthCheck(ctx context.Context) error {
	if err := p.ready(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	if err := p.client.Ping(ctx).Err(); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "redis lock provider ping"), err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (p *RedisLockProvider) Close() error { return nil }

func (p *RedisLockProvider) ready() error {
	if p == nil || p.client == nil {
		return schedulerError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	return nil
}

func (p *RedisLockProvider) fullKey(key string) string {
	return strings.TrimRight(p.config.Prefix, ":") + ":" + strings.TrimSpace(key)
}
