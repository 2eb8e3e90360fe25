package server

import (
	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/middleware/logging"
	"github.com/ordefy/ordefy/pkg/middleware/metrics"
	"github.com/ordefy/ordefy/pkg/middleware/recovery"
	"github.com/ordefy/ordefy/pkg/middleware/requestid"
	"github.com/ordefy/ordefy/pkg/observability/logger"
	"github.com/ordefy/ordefy/pkg/server/router"
)

// NewPublicAPIServer installs the shared middleware stack on r and returns
// the server for the webhook and admin API. Routes must be registered on r
// after this call so the middleware applies to them.
func NewPublicAPIServer(cfg config.HTTPConfig, r router.Router, log logger.Logger) *Server {
	r.Use(
		requestid.RequestID(),
		recovery.Recovery(log),
		logging.Logging(log),
		metrics.Metrics(),
	)
	return NewServer("public", Config{
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, r, log)
}
