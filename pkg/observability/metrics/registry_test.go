package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var registryTestCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ordefy_registry_test_total",
	Help: "Counter registered on the default registry for tests",
})

func scrape(t *testing.T, reg *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestRegistry_ExposesHTTPAndDefaultCollectors(t *testing.T) {
	reg := NewRegistry()
	RecordHTTPMetrics(http.MethodPost, "/api/shopify/webhook/:topic", http.StatusOK, 15*time.Millisecond)
	registryTestCounter.Inc()

	body := scrape(t, reg)

	for _, want := range []string{
		"http_requests_total",
		`route="/api/shopify/webhook/:topic"`,
		"ordefy_registry_test_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in scrape output", want)
		}
	}
}

func TestRegistry_MustRegisterCustomCollector(t *testing.T) {
	reg := NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "ordefy_custom_gauge", Help: "custom"})
	reg.MustRegister(gauge)
	gauge.Set(7)

	if !strings.Contains(scrape(t, reg), "ordefy_custom_gauge 7") {
		t.Fatal("expected custom gauge value in scrape output")
	}
}

func TestInFlightGauge(t *testing.T) {
	IncrementInFlight()
	IncrementInFlight()
	DecrementInFlight()

	body := scrape(t, NewRegistry())
	if !strings.Contains(body, "http_requests_in_flight") {
		t.Fatal("expected in-flight gauge in scrape output")
	}
}
