package scheduler

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordefy_scheduler_runs_total",
			Help: "Scheduled task runs by outcome (success, error, skipped, lock_error)",
		},
		[]string{"task", "status"},
	)

	schedulerRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ordefy_scheduler_run_duration_seconds",
			Help:    "Duration of scheduled task runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	schedulerInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ordefy_scheduler_runs_inflight",
			Help: "Scheduled task runs currently executing on this instance",
		},
		[]string{"task"},
	)

	schedulerLockRenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordefy_scheduler_lock_renew_total",
			Help: "Scheduler lease renewals by outcome",
		},
		[]string{"task", "status"},
	)
)

func recordSchedulerRun(taskName, status string) {
	schedulerRunsTotal.WithLabelValues(normalizeSchedulerLabel(taskName), normalizeSchedulerLabel(status)).Inc()
}

func observeSchedulerRunDuration(taskName string, d time.Duration) {
	schedulerRunDuration.WithLabelValues(normalizeSchedulerLabel(taskName)).Observe(d.Seconds())
}

func incrementSchedulerInFlight(taskName string) {
	schedulerInFlight.WithLabelValues(normalizeSchedulerLabel(taskName)).Inc()
}

func decrementSchedulerInFlight(taskName string) {
	schedulerInFlight.WithLabelValues(normalizeSchedulerLabel(taskName)).Dec()
}

func recordSchedulerLockRenew(taskName, status string) {
	schedulerLockRenewTotal.WithLabelValues(normalizeSchedulerLabel(taskName), normalizeSchedulerLabel(status)).Inc()
}

func normalizeSchedulerLabel(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return "unknown"
}
