package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ordefy/ordefy/pkg/observability/metrics"
	"github.com/ordefy/ordefy/pkg/server/router"
	ginrouter "github.com/ordefy/ordefy/pkg/server/router/gin"
)

func TestMetrics_LabelsByRoutePattern(t *testing.T) {
	reg := metrics.NewRegistry()

	r := ginrouter.NewRouter()
	r.Use(Metrics())
	r.POST("/api/shopify/webhook/:topic", func(c router.Context) error {
		return c.JSON(http.StatusOK, nil)
	})

	for _, topic := range []string{"order-create", "product-update", "app-uninstalled"} {
		req := httptest.NewRequest(http.MethodPost, "/api/shopify/webhook/"+topic, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	families, err := reg.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, family := range families {
		if family.GetName() != "http_requests_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["route"] == "/api/shopify/webhook/:topic" && labels["status"] == "200" {
				total += m.GetCounter().GetValue()
			}
			if labels["route"] == "/api/shopify/webhook/order-create" {
				t.Fatal("raw paths must not be used as labels")
			}
		}
	}
	if total < 3 {
		t.Fatalf("expected at least 3 requests counted on the route pattern, got %v", total)
	}
}
