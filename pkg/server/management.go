package server

import (
	"net/http"

	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/health"
	"github.com/ordefy/ordefy/pkg/middleware/recovery"
	"github.com/ordefy/ordefy/pkg/middleware/requestid"
	"github.com/ordefy/ordefy/pkg/observability/logger"
	"github.com/ordefy/ordefy/pkg/observability/metrics"
	"github.com/ordefy/ordefy/pkg/server/router"
	"github.com/ordefy/ordefy/pkg/version"
)

// NewManagementServer serves /health, /ready, /metrics and /version on a
// separate port so probes and scrapes never compete with webhook traffic.
func NewManagementServer(
	cfg config.ManagementConfig,
	serviceName string,
	r router.Router,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *metrics.Registry,
) *Server {
	r.Use(requestid.RequestID(), recovery.Recovery(log))
	RegisterManagementRoutes(r, serviceName, healthRegistry, metricsRegistry)

	return NewServer("management", Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, r, log)
}

// RegisterManagementRoutes registers the probe, metrics and version routes.
func RegisterManagementRoutes(r router.Router, serviceName string, healthRegistry *health.Registry, metricsRegistry *metrics.Registry) {
	r.GET("/health", func(c router.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "healthy"})
	})

	r.GET("/ready", func(c router.Context) error {
		result := healthRegistry.Check(c.Request().Context())
		if !result.IsReady() {
			return c.JSON(http.StatusServiceUnavailable, result)
		}
		return c.JSON(http.StatusOK, result)
	})

	r.GET("/metrics", func(c router.Context) error {
		metricsRegistry.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	info := version.Current(serviceName)
	r.GET("/version", func(c router.Context) error {
		return c.JSON(http.StatusOK, info)
	})
}
