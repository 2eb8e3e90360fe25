// Package logger provides the structured logger used across the service.
package logger

import (
	"context"
)

// Logger is the structured logging contract. Every method takes a message
// followed by alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that always carries the given pairs.
	With(args ...any) Logger

	// WithContext returns a child logger enriched with the request and trace
	// identifiers found in ctx.
	WithContext(ctx context.Context) Logger
}
