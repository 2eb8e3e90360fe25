// Package metrics records Prometheus HTTP metrics for every request.
package metrics

import (
	"time"

	"github.com/ordefy/ordefy/pkg/observability/metrics"
	"github.com/ordefy/ordefy/pkg/server/router"
)

// Metrics records duration, count and in-flight requests labelled by the
// route pattern, so path parameters do not explode label cardinality.
func Metrics() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			metrics.IncrementInFlight()
			defer metrics.DecrementInFlight()

			start := time.Now()
			err := next(c)

			route := c.Route()
			if route == "" {
				route = "unmatched"
			}
			metrics.RecordHTTPMetrics(c.Request().Method, route, c.Response().Status(), time.Since(start))
			return err
		}
	}
}
