// Package requestid propagates a request correlation id.
package requestid

import (
	"context"

	"github.com/google/uuid"

	"github.com/ordefy/ordefy/pkg/middleware"
	"github.com/ordefy/ordefy/pkg/server/router"
)

// RequestIDHeader carries the id on requests and responses.
const RequestIDHeader = "X-Request-ID"

// maxLength bounds ids accepted from callers.
const maxLength = 128

// RequestID reuses the caller's X-Request-ID or generates a UUID, then
// exposes it on the response and in the request context.
func RequestID() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			requestID := c.Request().Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > maxLength {
				requestID = uuid.NewString()
			}

			c.Set(string(middleware.RequestIDKey), requestID)
			c.Response().Header().Set(RequestIDHeader, requestID)

			ctx := context.WithValue(c.Request().Context(), middleware.RequestIDKey, requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// GetRequestID returns the id stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	requestID, _ := ctx.Value(middleware.RequestIDKey).(string)
	return requestID
}
