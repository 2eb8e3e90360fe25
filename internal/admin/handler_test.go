package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/pkg/auth"
	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/observability/logger/loggertest"
	"github.com/ordefy/ordefy/pkg/server/router"
	ginrouter "github.com/ordefy/ordefy/pkg/server/router/gin"
)

const jwtSecret = "admin-secret-0123456789"

type fixture struct {
	router    router.Router
	store     *queue.MemoryStore
	validator *auth.HMACValidator
	log       *loggertest.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := queue.NewMemoryStore()
	log := loggertest.New()
	cfg := config.QueueConfig{RetentionDays: 7, StaleAfter: 15 * time.Minute}
	svc := NewService(store, queue.NewCleaner(store, log, cfg), queue.NewStaleDetector(store, log, cfg), log)

	validator, err := auth.NewHMACValidator(jwtSecret, "ordefy", "")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	r := ginrouter.NewRouter()
	NewHandler(svc, log).Mount(r.Group("/api"+BasePath), Guard(validator)...)
	return fixture{router: r, store: store, validator: validator, log: log}
}

func (f fixture) token(t *testing.T, scopes ...string) string {
	t.Helper()
	token, err := f.validator.Issue("ops@ordefy", scopes, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token
}

func (f fixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/api"+BasePath+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// seed creates a job and drives it to status. Each call leaves no other
// pending job behind, so the claim picks the new one.
func (f fixture) seed(t *testing.T, status queue.Status, at time.Time) *queue.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.store.Enqueue(ctx, queue.NewJob{
		TenantID: "tenant-1", ShopDomain: "demo.myshopify.com", Topic: "order-create",
		Payload: []byte(`{"id":1}`), Signature: "sig",
	}, at)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if status == queue.StatusPending {
		return job
	}
	claimed, err := f.store.Claim(ctx, 1, at)
	if err != nil || len(claimed) != 1 || claimed[0].ID != job.ID {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if status == queue.StatusProcessing {
		return claimed[0]
	}
	done, err := f.store.Finish(ctx, job.ID, queue.Outcome{Status: status, Attempted: true, LastError: "boom", At: at})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	return done
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestAdmin_RequiresScopedToken(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/stats", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/stats", "not-a-jwt"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/stats", f.token(t, "orders:read")); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin scope, got %d", rec.Code)
	}
}

func TestAdmin_Stats(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.seed(t, queue.StatusFailed, now.Add(-time.Hour))
	f.seed(t, queue.StatusProcessing, now.Add(-time.Hour))
	f.seed(t, queue.StatusPending, now)

	rec := f.do(t, http.MethodGet, "/stats", f.token(t, auth.ScopeQueueAdmin))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view StatsView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, status := range queue.Statuses {
		if _, ok := view.Counts[status]; !ok {
			t.Fatalf("expected %s in counts, got %v", status, view.Counts)
		}
	}
	if view.Counts[queue.StatusCompleted] != 0 || view.Counts[queue.StatusFailed] != 1 || view.Total != 3 {
		t.Fatalf("unexpected counts %+v", view)
	}
	if view.StaleProcessing != 1 || view.StaleAfterSeconds != 900 {
		t.Fatalf("expected one stale job, got %+v", view)
	}
}

func TestAdmin_Cleanup(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.seed(t, queue.StatusCompleted, now.Add(-8*24*time.Hour))
	f.seed(t, queue.StatusCompleted, now.Add(-time.Hour))
	f.seed(t, queue.StatusFailed, now.Add(-30*24*time.Hour))

	rec := f.do(t, http.MethodPost, "/cleanup", f.token(t, auth.ScopeQueueAdmin))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["deleted"] != float64(1) {
		t.Fatalf("expected one deletion, got %v", body)
	}
	if _, ok := f.log.Find("info", "webhook queue cleanup triggered"); !ok {
		t.Fatal("expected audit log entry")
	}
}

func TestAdmin_JobsAndRetry(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, auth.ScopeQueueAdmin)
	now := time.Now()
	failed := f.seed(t, queue.StatusFailed, now.Add(-time.Minute))
	pending := f.seed(t, queue.StatusPending, now)

	rec := f.do(t, http.MethodGet, "/jobs?limit=10", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["count"] != float64(1) {
		t.Fatalf("expected failed jobs listed by default, got %v", body)
	}

	if rec := f.do(t, http.MethodGet, "/jobs?status=bogus", token); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/jobs?limit=-1", token); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/jobs?status=pending&topic=orders/create", token); decode(t, rec)["count"] != float64(1) {
		t.Fatalf("expected topic filter to normalize, got %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/jobs/"+failed.ID+"/retry", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	job, err := f.store.Get(context.Background(), failed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != queue.StatusPending || job.Attempts != failed.Attempts {
		t.Fatalf("expected pending with attempts kept, got %+v", job)
	}

	if rec := f.do(t, http.MethodPost, "/jobs/"+pending.ID+"/retry", token); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for pending job, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/jobs/missing/retry", token); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdmin_StaleDetectionAndRequeue(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, auth.ScopeQueueAdmin)
	now := time.Now()
	stale := f.seed(t, queue.StatusProcessing, now.Add(-time.Hour))
	fresh := f.seed(t, queue.StatusProcessing, now)

	body := decode(t, f.do(t, http.MethodGet, "/stale", token))
	if body["count"] != float64(1) || body["stale_after_seconds"] != float64(900) {
		t.Fatalf("unexpected stale listing %v", body)
	}

	body = decode(t, f.do(t, http.MethodPost, "/stale/requeue", token))
	ids, _ := body["job_ids"].([]any)
	if body["requeued"] != float64(1) || len(ids) != 1 || ids[0] != stale.ID {
		t.Fatalf("unexpected requeue result %v", body)
	}

	got, _ := f.store.Get(context.Background(), stale.ID)
	if got.Status != queue.StatusPending || got.Attempts != stale.Attempts {
		t.Fatalf("expected stale job pending with attempts kept, got %+v", got)
	}
	got, _ = f.store.Get(context.Background(), fresh.ID)
	if got.Status != queue.StatusProcessing {
		t.Fatalf("expected fresh job untouched, got %+v", got)
	}
}
