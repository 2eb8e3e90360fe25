// Package authz authenticates bearer tokens and enforces scopes.
package authz

import (
	"context"
	"net/http"
	"strings"

	"github.com/ordefy/ordefy/pkg/auth"
	"github.com/ordefy/ordefy/pkg/middleware"
	"github.com/ordefy/ordefy/pkg/server/router"
)

// ClaimsKey is the router context key holding *auth.Claims.
const ClaimsKey = "auth_claims"

// Authenticate validates the Bearer token and stores its claims. Missing
// or invalid tokens get 401.
func Authenticate(validator auth.JWTValidator) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"error": "missing authorization header",
				})
			}
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"error": "invalid authorization header format",
				})
			}

			claims, err := validator.Validate(c.Request().Context(), strings.TrimSpace(token))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"error": "invalid token",
				})
			}

			c.Set(ClaimsKey, claims)
			ctx := auth.WithClaims(c.Request().Context(), claims)
			ctx = context.WithValue(ctx, middleware.SubjectKey, claims.Subject)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// RequireScopes answers 403 unless the authenticated token carries every
// scope in required.
func RequireScopes(required ...string) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			claims, ok := c.Get(ClaimsKey).(*auth.Claims)
			if !ok || claims == nil {
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"error": "missing authentication",
				})
			}
			for _, scope := range required {
				if !claims.HasScope(scope) {
					return c.JSON(http.StatusForbidden, map[string]any{
						"error":           "insufficient permissions",
						"required_scopes": required,
					})
				}
			}
			return next(c)
		}
	}
}
