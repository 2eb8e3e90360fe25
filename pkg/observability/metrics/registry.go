// Package metrics exposes Prometheus metrics for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the HTTP collectors and serves them together with every
// collector registered on the Prometheus default registry, where the queue
// packages register through promauto.
type Registry struct {
	registry *prometheus.Registry
	gatherer prometheus.Gatherer
}

// NewRegistry creates a registry with the HTTP request collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(httpRequestDuration, httpRequestsTotal, httpRequestsInFlight)

	return &Registry{
		registry: reg,
		gatherer: prometheus.Gatherers{reg, prometheus.DefaultGatherer},
	}
}

// MustRegister registers additional collectors and panics on conflicts.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Handler serves all gathered metrics in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer returns the combined gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.gatherer
}
