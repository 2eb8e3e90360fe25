package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ordefy/ordefy/pkg/health"
	"github.com/ordefy/ordefy/pkg/observability/logger/loggertest"
	"github.com/ordefy/ordefy/pkg/observability/metrics"
	ginrouter "github.com/ordefy/ordefy/pkg/server/router/gin"
)

func waitForAddr(t *testing.T, s *Server) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start")
	return ""
}

func TestServer_StartServesAndShutsDownOnCancel(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})
	srv := NewServer("test", Config{Port: 0, ShutdownTimeout: time.Second}, handler, loggertest.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	addr := waitForAddr(t, srv)
	resp, err := http.Get("http://" + addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Fatalf("unexpected body %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestRunAll_StopsOthersWhenOneFails(t *testing.T) {
	log := loggertest.New()
	ok := NewServer("ok", Config{Port: 0}, http.NotFoundHandler(), log)
	bad := NewServer("bad", Config{Port: -1}, http.NotFoundHandler(), log)

	errCh := make(chan error, 1)
	go func() { errCh <- RunAll(context.Background(), ok, bad) }()

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "bad server") {
			t.Fatalf("expected listen failure from bad server, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RunAll did not return")
	}
}

type downAdapter struct{}

func (downAdapter) HealthCheck(context.Context) error { return errors.New("connection refused") }

func TestManagementRoutes(t *testing.T) {
	r := ginrouter.NewRouter()
	registry := health.NewRegistry()
	RegisterManagementRoutes(r, "ordefy", registry, metrics.NewRegistry())

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/health"); rec.Code != http.StatusOK {
		t.Fatalf("expected /health 200, got %d", rec.Code)
	}
	if rec := get("/ready"); rec.Code != http.StatusOK {
		t.Fatalf("expected /ready 200 with no checks, got %d", rec.Code)
	}
	if rec := get("/metrics"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "http_requests_in_flight") {
		t.Fatalf("expected metrics exposition, got %d", rec.Code)
	}

	var info map[string]string
	if err := json.Unmarshal(get("/version").Body.Bytes(), &info); err != nil || info["service"] != "ordefy" {
		t.Fatalf("unexpected version payload %v (%v)", info, err)
	}

	registry.Register(health.NewAdapterChecker("postgres", downAdapter{}, time.Second))
	if rec := get("/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected /ready 503 when postgres is down, got %d", rec.Code)
	}
}
