package authz

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ordefy/ordefy/pkg/auth"
	"github.com/ordefy/ordefy/pkg/server/router"
	ginrouter "github.com/ordefy/ordefy/pkg/server/router/gin"
)

func setup(t *testing.T) (router.Router, *auth.HMACValidator) {
	t.Helper()
	validator, err := auth.NewHMACValidator("0123456789abcdef-admin", "ordefy", "")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	r := ginrouter.NewRouter()
	admin := r.Group("/admin", Authenticate(validator), RequireScopes(auth.ScopeQueueAdmin))
	admin.GET("/stats", func(c router.Context) error {
		claims, _ := auth.ClaimsFromContext(c.Request().Context())
		return c.JSON(http.StatusOK, map[string]string{"subject": claims.Subject})
	})
	return r, validator
}

func TestAuthenticate(t *testing.T) {
	r, validator := setup(t)
	adminToken, _ := validator.Issue("ops", []string{auth.ScopeQueueAdmin}, time.Hour)
	readerToken, _ := validator.Issue("viewer", []string{"orders:read"}, time.Hour)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"invalid token", "Bearer nope", http.StatusUnauthorized},
		{"missing scope", "Bearer " + readerToken, http.StatusForbidden},
		{"admin", "Bearer " + adminToken, http.StatusOK},
		{"lowercase scheme", "bearer " + adminToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRequireScopes_WithoutAuthenticate(t *testing.T) {
	r := ginrouter.NewRouter()
	r.GET("/x", func(c router.Context) error { return nil }, RequireScopes(auth.ScopeQueueAdmin))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
