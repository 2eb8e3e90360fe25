package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ordefy/ordefy/internal/admin"
	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/pkg/auth"
	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/eventbus"
	"github.com/ordefy/ordefy/pkg/middleware/httpsignature"
	"github.com/ordefy/ordefy/pkg/observability/logger/loggertest"
	"github.com/ordefy/ordefy/pkg/scheduler"
	"github.com/ordefy/ordefy/pkg/store/postgres"
	ginrouter "github.com/ordefy/ordefy/pkg/server/router/gin"
)

const (
	testShop      = "demo.myshopify.com"
	testSecret    = "shared-secret"
	testJWTSecret = "admin-secret-0123456789"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Webhook.SharedSecret = testSecret
	cfg.Webhook.Tenants = []config.StaticTenant{{ID: "tenant-1", ShopDomain: testShop}}
	cfg.Admin.JWTSecret = testJWTSecret
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *queue.MemoryStore, *loggertest.Recorder) {
	t.Helper()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	log := loggertest.New()
	store := queue.NewMemoryStore()
	a := Assemble(cfg, log, postgres.NewAdapterFromDB(db, cfg.Database, log), WithStore(store))
	return a, store, log
}

func TestRoutes_ReceiverAndAdmin(t *testing.T) {
	a, store, _ := newTestApp(t, testConfig())
	rt := ginrouter.NewRouter()
	if err := a.Routes(rt); err != nil {
		t.Fatalf("routes: %v", err)
	}

	body := []byte(`{"id":820982911946154508}`)
	req := httptest.NewRequest(http.MethodPost, "/api/shopify/webhooks/orders-create", bytes.NewReader(body))
	req.Header.Set("X-Shopify-Shop-Domain", testShop)
	req.Header.Set("X-Shopify-Hmac-Sha256", httpsignature.SignBase64([]byte(testSecret), body))
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	jobs, err := store.List(context.Background(), queue.ListFilter{Status: queue.StatusPending})
	if err != nil || len(jobs) != 1 || jobs[0].TenantID != "tenant-1" || jobs[0].Topic != "order-create" {
		t.Fatalf("expected one pending order-create job, got %v %v", jobs, err)
	}

	validator, err := auth.NewHMACValidator(testJWTSecret, "ordefy", "")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	token, err := validator.Issue("ops", []string{auth.ScopeQueueAdmin}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api"+admin.BasePath+"/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected admin stats 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRoutes_AdminDisabledWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.JWTSecret = ""
	a, _, log := newTestApp(t, cfg)
	rt := ginrouter.NewRouter()
	if err := a.Routes(rt); err != nil {
		t.Fatalf("routes: %v", err)
	}
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api"+admin.BasePath+"/stats", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if _, ok := log.Find("warn", "admin.jwt_secret not set, admin routes disabled"); !ok {
		t.Fatal("expected warning")
	}
}

func TestRoutes_ShortAdminSecretRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.JWTSecret = "short"
	a, _, _ := newTestApp(t, cfg)
	if err := a.Routes(ginrouter.NewRouter()); err == nil {
		t.Fatal("expected error for short admin secret")
	}
}

func TestRoutes_RedisLimiterNeedsClient(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Type = config.RateLimitTypeRedis
	a, _, _ := newTestApp(t, cfg)
	if err := a.Routes(ginrouter.NewRouter()); err == nil {
		t.Fatal("expected error without redis client")
	}
}

func TestNewWorker_RegistersHandlers(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig())
	w, err := a.NewWorker(eventbus.NewMemoryProducer())
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	if got := len(w.Topics()); got != 8 {
		t.Fatalf("expected 8 topics, got %d: %v", got, w.Topics())
	}
}

func TestScheduler_MaintenanceTasks(t *testing.T) {
	a, store, _ := newTestApp(t, testConfig())
	rt, err := a.NewScheduler(scheduler.NewMemoryLockProvider())
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	got := rt.Tasks()
	want := []string{TaskCleanup, TaskDepth, TaskStaleScan}
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	ctx := context.Background()
	old := time.Now().Add(-10 * 24 * time.Hour)
	job, err := store.Enqueue(ctx, queue.NewJob{TenantID: "tenant-1", ShopDomain: testShop, Topic: "order-create", Payload: []byte(`{}`)}, old)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Claim(ctx, 1, old); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Finish(ctx, job.ID, queue.Outcome{Status: queue.StatusCompleted, Attempted: true, At: old}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	ran, err := rt.RunNow(ctx, TaskCleanup)
	if err != nil || !ran {
		t.Fatalf("run cleanup: ran=%v err=%v", ran, err)
	}
	if _, err := store.Get(ctx, job.ID); err == nil {
		t.Fatal("expected old completed job deleted")
	}
}

func TestHealthRegistry(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig())
	result := a.HealthRegistry().Check(context.Background())
	if !result.IsReady() {
		t.Fatalf("expected ready, got %+v", result)
	}
}

func TestNeedsRedis(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   bool
	}{
		{"defaults", func(*config.Config) {}, false},
		{"redis limiter", func(c *config.Config) { c.RateLimit.Type = config.RateLimitTypeRedis }, true},
		{"redis limiter disabled", func(c *config.Config) {
			c.RateLimit.Type = config.RateLimitTypeRedis
			c.RateLimit.Enabled = false
		}, false},
		{"redis lock", func(c *config.Config) { c.Scheduler.LockProvider = config.SchedulerLockProviderRedis }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			if got := needsRedis(cfg); got != tt.want {
				t.Fatalf("needsRedis = %v, want %v", got, tt.want)
			}
		})
	}
}
