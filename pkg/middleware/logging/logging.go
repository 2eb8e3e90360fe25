// Package logging writes one access log entry per request.
package logging

import (
	"strings"
	"time"

	"github.com/ordefy/ordefy/pkg/observability/logger"
	"github.com/ordefy/ordefy/pkg/server/router"
)

// Config controls which requests are logged.
type Config struct {
	// ExcludedPathPrefixes are not logged at all, e.g. probes.
	ExcludedPathPrefixes []string
	// SlowThreshold promotes completed requests slower than this to warn.
	SlowThreshold time.Duration
}

// DefaultConfig skips health probes and flags requests slower than a second.
func DefaultConfig() Config {
	return Config{
		ExcludedPathPrefixes: []string{"/health", "/ready"},
		SlowThreshold:        time.Second,
	}
}

// Logging logs requests with the default configuration.
func Logging(log logger.Logger) router.MiddlewareFunc {
	return WithConfig(log, DefaultConfig())
}

// WithConfig logs method, route, status and duration once the handler
// returns. 5xx responses and handler errors are logged at error level.
func WithConfig(log logger.Logger, cfg Config) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			path := c.Request().URL.Path
			for _, prefix := range cfg.ExcludedPathPrefixes {
				if strings.HasPrefix(path, prefix) {
					return next(c)
				}
			}

			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			status := c.Response().Status()
			fields := []any{
				"method", c.Request().Method,
				"path", path,
				"route", c.Route(),
				"status", status,
				"duration_ms", duration.Milliseconds(),
				"remote_addr", c.Request().RemoteAddr,
			}
			if err != nil {
				fields = append(fields, "error", err.Error())
			}

			reqLog := log.WithContext(c.Request().Context())
			switch {
			case err != nil || status >= 500:
				reqLog.Error("request failed", fields...)
			case cfg.SlowThreshold > 0 && duration > cfg.SlowThreshold:
				reqLog.Warn("slow request", fields...)
			default:
				reqLog.Info("request completed", fields...)
			}
			return err
		}
	}
}
