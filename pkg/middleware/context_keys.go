// Package middleware holds shared keys for the HTTP middleware packages.
package middleware

// ContextKey is a typed key for context values to avoid collisions.
type ContextKey string

const (
	// RequestIDKey is the context key for the request ID.
	RequestIDKey ContextKey = "request_id"
	// TenantIDKey is the context key for the tenant resolved from an inbound webhook.
	TenantIDKey ContextKey = "tenant_id"
	// SubjectKey is the context key for the authenticated admin subject.
	SubjectKey ContextKey = "subject"
)
