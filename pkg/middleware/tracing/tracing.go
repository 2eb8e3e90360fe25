// Package tracing starts an OpenTelemetry server span per request.
package tracing

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ordefy/ordefy/pkg/middleware/requestid"
	"github.com/ordefy/ordefy/pkg/server/router"
)

// Config holds configuration for the tracing middleware.
type Config struct {
	// TracerName defaults to "http-server".
	TracerName string
	// ExcludedPathPrefixes disables tracing for matching paths.
	ExcludedPathPrefixes []string
	// HeaderAttributes copies request headers onto the span, keyed by
	// header name with the attribute key as value.
	HeaderAttributes map[string]string
}

// Tracing extracts the incoming trace context, starts a span named after
// the matched route and records the response status.
func Tracing(cfg Config) router.MiddlewareFunc {
	if cfg.TracerName == "" {
		cfg.TracerName = "http-server"
	}
	tracer := otel.Tracer(cfg.TracerName)
	propagator := otel.GetTextMapPropagator()

	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			req := c.Request()
			if cfg.excluded(req.URL.Path) {
				return next(c)
			}

			ctx := propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := tracer.Start(ctx, spanName(c), trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.target", req.URL.Path),
				attribute.String("http.user_agent", req.UserAgent()),
			)
			if id := requestid.GetRequestID(req.Context()); id != "" {
				span.SetAttributes(attribute.String("request.id", id))
			}
			for header, key := range cfg.HeaderAttributes {
				if value := strings.TrimSpace(req.Header.Get(header)); value != "" {
					span.SetAttributes(attribute.String(key, value))
				}
			}

			c.SetRequest(req.WithContext(ctx))
			err := next(c)

			// A handler error takes precedence over the written status.
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			status := c.Response().Status()
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return nil
		}
	}
}

func (cfg Config) excluded(path string) bool {
	for _, prefix := range cfg.ExcludedPathPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func spanName(c router.Context) string {
	route := c.Route()
	if route == "" {
		route = c.Request().URL.Path
	}
	return "HTTP " + c.Request().Method + " " + route
}
