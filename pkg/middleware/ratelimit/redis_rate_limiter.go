package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ordefy/ordefy/pkg/observability/logger"
)

type redisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisRateLimiter counts requests per key in fixed one-minute windows
// shared by every replica.
type RedisRateLimiter struct {
	client    redisClient
	limit     int
	window    time.Duration
	opTimeout time.Duration
	prefix    string
	log       logger.Logger
}

// NewRedisRateLimiter creates a limiter on an existing client. The caller
// keeps ownership of client.
func NewRedisRateLimiter(client redis.UniversalClient, requestsPerMinute int, prefix string, opTimeout time.Duration, log logger.Logger) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required for distributed rate limiting")
	}
	if requestsPerMinute <= 0 {
		return nil, errors.New("requests_per_minute must be greater than zero")
	}
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	log.Info("redis rate limiter enabled", "limit", requestsPerMinute, "window", time.Minute, "prefix", prefix)
	return newRedisRateLimiterFromClient(client, time.Minute, requestsPerMinute, opTimeout, prefix, log), nil
}

func newRedisRateLimiterFromClient(
	client redisClient,
	window time.Duration,
	limit int,
	timeout time.Duration,
	prefix string,
	log logger.Logger,
) *RedisRateLimiter {
	return &RedisRateLimiter{
		client:    client,
		limit:     limit,
		window:    window,
		opTimeout: timeout,
		prefix:    prefix,
		log:       log,
	}
}

// Allow increments the counter for key in the current window.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	redisKey := r.redisKey(key)
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		// Fail open: losing the limiter must not drop provider deliveries.
		r.log.Error("redis rate limiter increment failed", "error", err)
		return true
	}
	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, r.window).Err(); err != nil {
			r.log.Warn("redis rate limiter failed to set TTL", "error", err)
		}
	}
	return count <= int64(r.limit)
}

func (r *RedisRateLimiter) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", r.prefix, key)
}
