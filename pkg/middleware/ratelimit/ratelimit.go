// Package ratelimit throttles inbound requests per key, in process or
// across replicas through Redis.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ordefy/ordefy/pkg/observability/logger"
	"github.com/ordefy/ordefy/pkg/server/router"
)

// RateLimiter decides whether the request identified by key may proceed.
// Implementations must be safe for concurrent use.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// TokenBucketLimiter keeps one token bucket per key. A key may spend its
// whole burst at once and then refills at the configured rate.
type TokenBucketLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewTokenBucketLimiter creates a limiter refilling requestsPerMinute tokens
// per minute with room for burst tokens. A burst below one falls back to
// requestsPerMinute.
func NewTokenBucketLimiter(requestsPerMinute, burst int) *TokenBucketLimiter {
	if burst < 1 {
		burst = requestsPerMinute
	}
	return &TokenBucketLimiter{
		rate:  rate.Limit(float64(requestsPerMinute) / 60),
		burst: burst,
	}
}

// Allow spends one token from the bucket for key.
func (l *TokenBucketLimiter) Allow(_ context.Context, key string) bool {
	return l.getLimiter(key).Allow()
}

func (l *TokenBucketLimiter) getLimiter(key string) *rate.Limiter {
	if limiter, ok := l.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}
	limiter, _ := l.limiters.LoadOrStore(key, rate.NewLimiter(l.rate, l.burst))
	return limiter.(*rate.Limiter)
}

// Config configures the middleware.
type Config struct {
	RequestsPerMinute int
	// KeyFunc extracts the key requests are counted against. Defaults to
	// ShopOrIPKey.
	KeyFunc func(router.Context) string
	Logger  logger.Logger
}

// RateLimit rejects requests over the limit with 429 and a Retry-After
// header before they reach the handler.
func RateLimit(limiter RateLimiter, cfg Config) router.MiddlewareFunc {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = ShopOrIPKey
	}
	retryAfter := "1"
	if cfg.RequestsPerMinute > 0 {
		retryAfter = strconv.Itoa(int(math.Ceil(60 / float64(cfg.RequestsPerMinute))))
	}

	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			key := keyFunc(c)
			if limiter.Allow(c.Request().Context(), key) {
				return next(c)
			}
			if cfg.Logger != nil {
				cfg.Logger.WithContext(c.Request().Context()).Warn("rate limit exceeded",
					"key", key,
					"route", c.Route(),
				)
			}
			c.Response().Header().Set("Retry-After", retryAfter)
			return c.JSON(http.StatusTooManyRequests, map[string]any{
				"error": "rate limit exceeded",
			})
		}
	}
}

// ShopOrIPKey counts webhook deliveries per shop, and anything without a
// shop header per client IP.
func ShopOrIPKey(c router.Context) string {
	if shop := strings.ToLower(strings.TrimSpace(c.Request().Header.Get("X-Shopify-Shop-Domain"))); shop != "" {
		return "shop:" + shop
	}
	return "ip:" + ExtractIPFromRequest(c.Request())
}

// ExtractIPFromRequest returns the client IP, preferring proxy headers over
// RemoteAddr.
func ExtractIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
