package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ordefy/ordefy/internal/admin"
	"github.com/ordefy/ordefy/internal/tenant"
	"github.com/ordefy/ordefy/internal/webhook"
	"github.com/ordefy/ordefy/pkg/auth"
	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/health"
	"github.com/ordefy/ordefy/pkg/middleware/httpsignature"
	"github.com/ordefy/ordefy/pkg/middleware/ratelimit"
	"github.com/ordefy/ordefy/pkg/middleware/tracing"
	"github.com/ordefy/ordefy/pkg/observability/metrics"
	"github.com/ordefy/ordefy/pkg/server"
	"github.com/ordefy/ordefy/pkg/server/router"
	"github.com/ordefy/ordefy/pkg/server/router/factory"
)

// Routes registers the webhook receiver and, when an admin secret is
// configured, the admin API on rt. rt should already carry the shared
// middleware stack.
func (a *App) Routes(rt router.Router) error {
	base := strings.TrimRight(a.cfg.HTTP.BasePath, "/")

	webhookMW, err := a.webhookMiddleware()
	if err != nil {
		return err
	}
	webhook.NewReceiver(a.store, a.log).Mount(rt.Group(base), webhookMW...)

	if strings.TrimSpace(a.cfg.Admin.JWTSecret) == "" {
		a.log.Warn("admin.jwt_secret not set, admin routes disabled")
		return nil
	}
	validator, err := auth.NewHMACValidator(a.cfg.Admin.JWTSecret, a.cfg.Admin.Issuer, a.cfg.Admin.Audience)
	if err != nil {
		return fmt.Errorf("create admin token validator: %w", err)
	}
	admin.NewHandler(a.AdminService(), a.log).Mount(rt.Group(base+admin.BasePath), admin.Guard(validator)...)
	return nil
}

// webhookMiddleware returns the per-route chain of the receiver: rate limit
// first so floods are cheap to reject, then the signature check.
func (a *App) webhookMiddleware() ([]router.MiddlewareFunc, error) {
	var mw []router.MiddlewareFunc
	if a.cfg.RateLimit.Enabled {
		limiter, err := a.rateLimiter()
		if err != nil {
			return nil, err
		}
		mw = append(mw, ratelimit.RateLimit(limiter, ratelimit.Config{
			RequestsPerMinute: a.cfg.RateLimit.RequestsPerMinute,
			Logger:            a.log,
		}))
	}

	sig := httpsignature.ShopifyConfig(tenant.NewKeyProvider(a.tenants, a.cfg.Webhook.SharedSecret))
	sig.MaxBodyBytes = a.cfg.Webhook.MaxBodyBytes
	sig.ReplayWindow = a.cfg.Webhook.ReplayWindow
	return append(mw, httpsignature.Middleware(sig)), nil
}

func (a *App) rateLimiter() (ratelimit.RateLimiter, error) {
	rl := a.cfg.RateLimit
	if strings.EqualFold(rl.Type, config.RateLimitTypeRedis) {
		if a.redis == nil {
			return nil, fmt.Errorf("redis rate limiter requires redis.url")
		}
		return ratelimit.NewRedisRateLimiter(a.redis.Client(), rl.RequestsPerMinute, rl.Prefix, a.cfg.Redis.OperationTimeout, a.log)
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = rl.RequestsPerMinute
	}
	return ratelimit.NewTokenBucketLimiter(rl.RequestsPerMinute, burst), nil
}

// Servers builds the public server and, when enabled, the management server.
func (a *App) Servers() ([]*server.Server, error) {
	publicRouter, err := factory.NewRouter(a.cfg.HTTP.Router)
	if err != nil {
		return nil, err
	}
	public := server.NewPublicAPIServer(a.cfg.HTTP, publicRouter, a.log)
	if a.cfg.Observability.TracingEnabled {
		publicRouter.Use(tracing.Tracing(tracing.Config{
			TracerName: a.cfg.Service.Name,
			HeaderAttributes: map[string]string{
				webhook.HeaderTopic:      "shopify.topic",
				webhook.HeaderShopDomain: "shopify.shop_domain",
				webhook.HeaderWebhookID:  "shopify.webhook_id",
			},
		}))
	}
	if err := a.Routes(publicRouter); err != nil {
		return nil, err
	}
	servers := []*server.Server{public}

	if a.cfg.Management.Enabled {
		mgmtRouter, err := factory.NewRouter(a.cfg.HTTP.Router)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server.NewManagementServer(
			a.cfg.Management, a.cfg.Service.Name, mgmtRouter, a.log,
			a.HealthRegistry(), metrics.NewRegistry(),
		))
	}
	return servers, nil
}

// HealthRegistry checks the database, Redis when configured, and that the
// queue is readable.
func (a *App) HealthRegistry() *health.Registry {
	reg := health.NewRegistry()
	reg.Register(health.NewAdapterChecker("postgres", a.db, 2*time.Second))
	if a.redis != nil {
		reg.Register(health.NewAdapterChecker("redis", a.redis, 2*time.Second))
	}
	monitor := a.monitor()
	reg.Register(health.NewCustomChecker("webhook-queue", func(ctx context.Context) (health.Status, string, map[string]any, error) {
		stats, err := monitor.Stats(ctx)
		if err != nil {
			return health.StatusUnhealthy, "", nil, err
		}
		details := map[string]any{
			"oldest_pending_age_seconds": stats.OldestPendingAge.Seconds(),
			"stale_processing":           stats.StaleProcessing,
		}
		if stats.StaleProcessing > 0 {
			return health.StatusDegraded, "stale jobs in processing", details, nil
		}
		return health.StatusHealthy, "OK", details, nil
	}))
	return reg
}

// Serve runs the HTTP servers until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	servers, err := a.Servers()
	if err != nil {
		return err
	}
	return server.RunAll(ctx, servers...)
}
