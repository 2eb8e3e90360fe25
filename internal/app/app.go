// Package app assembles the service from configuration: storage, tenant
// resolution, the HTTP servers, the queue worker and the maintenance
// scheduler. Every process role started by the CLI goes through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ordefy/ordefy/internal/admin"
	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/internal/tenant"
	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/observability/logger"
	"github.com/ordefy/ordefy/pkg/observability/tracing"
	"github.com/ordefy/ordefy/pkg/store/postgres"
	redisstore "github.com/ordefy/ordefy/pkg/store/redis"
	"github.com/ordefy/ordefy/pkg/version"
)

// App holds the long-lived dependencies shared by every role.
type App struct {
	cfg      *config.Config
	log      logger.Logger
	db       *postgres.Adapter
	redis    *redisstore.Adapter
	tracer   *tracing.TracerProvider
	store    queue.Store
	tenants  tenant.Registry
	activity *tenant.PostgresRegistry
	cleaner  *queue.Cleaner
	detector *queue.StaleDetector
}

// Option customizes Assemble.
type Option func(*App)

// WithStore replaces the Postgres queue store.
func WithStore(store queue.Store) Option {
	return func(a *App) {
		if store != nil {
			a.store = store
		}
	}
}

// WithRedis provides the shared Redis client.
func WithRedis(adapter *redisstore.Adapter) Option {
	return func(a *App) {
		a.redis = adapter
	}
}

// New connects to every backend cfg needs and assembles the app. Close
// releases what New opened.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	tp, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("create tracer provider: %w", err)
	}

	db, err := postgres.NewAdapter(cfg.Database, log)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("connect database: %w", err)
	}

	var rds *redisstore.Adapter
	if needsRedis(cfg) {
		rds, err = redisstore.NewAdapter(cfg.Redis, log)
		if err != nil {
			_ = db.Close()
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	a := Assemble(cfg, log, db, WithRedis(rds))
	a.tracer = tp
	return a, nil
}

// Assemble builds the app around an open database. Tests pass a sqlmock
// backed adapter and an in-memory store.
func Assemble(cfg *config.Config, log logger.Logger, db *postgres.Adapter, opts ...Option) *App {
	pgTenants := tenant.NewPostgresRegistry(db)
	a := &App{
		cfg:      cfg,
		log:      log,
		db:       db,
		store:    queue.NewPostgresStore(db),
		activity: pgTenants,
		// Static tenants answer first so development setups work with an
		// empty integrations table.
		tenants: tenant.Chain{
			tenant.NewStaticRegistry(cfg.Webhook.Tenants),
			tenant.NewCachedRegistry(pgTenants, cfg.Webhook.TenantCacheTTL),
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.cleaner = queue.NewCleaner(a.store, log, cfg.Queue)
	a.detector = queue.NewStaleDetector(a.store, log, cfg.Queue)
	return a
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() logger.Logger { return a.log }

// Store returns the queue store.
func (a *App) Store() queue.Store { return a.store }

// DB returns the database adapter.
func (a *App) DB() *postgres.Adapter { return a.db }

// AdminService returns the operator actions on the queue.
func (a *App) AdminService() *admin.Service {
	return admin.NewService(a.store, a.cleaner, a.detector, a.log)
}

// Close releases the backends opened by New.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}

func needsRedis(cfg *config.Config) bool {
	if strings.EqualFold(cfg.Scheduler.LockProvider, config.SchedulerLockProviderRedis) {
		return true
	}
	return cfg.RateLimit.Enabled && strings.EqualFold(cfg.RateLimit.Type, config.RateLimitTypeRedis)
}
