package queue

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordefy_webhook_received_total",
			Help: "Total number of inbound webhook calls by outcome",
		},
		[]string{"topic", "outcome"},
	)

	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordefy_webhook_jobs_processed_total",
			Help: "Total number of webhook job runs by outcome",
		},
		[]string{"topic", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ordefy_webhook_job_duration_seconds",
			Help:    "Handler execution time per webhook job run",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ordefy_webhook_queue_depth",
			Help: "Current number of webhook jobs per status",
		},
		[]string{"status"},
	)

	oldestPendingSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ordefy_webhook_queue_oldest_pending_seconds",
			Help: "Age of the oldest pending webhook job",
		},
	)

	cleanupDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ordefy_webhook_cleanup_deleted_total",
			Help: "Total number of completed webhook jobs removed by cleanup",
		},
	)

	staleRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ordefy_webhook_stale_requeued_total",
			Help: "Total number of stale processing jobs moved back to pending",
		},
	)
)

// Outcomes recorded by RecordReceived.
const (
	ReceivedQueued    = "queued"
	ReceivedDuplicate = "duplicate"
	ReceivedRejected  = "rejected"
	ReceivedError     = "error"
)

// RecordReceived counts one inbound webhook call.
func RecordReceived(topic, outcome string) {
	webhooksReceivedTotal.WithLabelValues(
		normalizeMetricLabel(topic, "unknown"),
		normalizeMetricLabel(outcome, "unknown"),
	).Inc()
}

func recordJobProcessed(topic, outcome string, elapsed time.Duration) {
	topic = normalizeMetricLabel(topic, "unknown")
	jobsProcessedTotal.WithLabelValues(topic, normalizeMetricLabel(outcome, "unknown")).Inc()
	if elapsed > 0 {
		jobDuration.WithLabelValues(topic).Observe(elapsed.Seconds())
	}
}

// ObserveStats publishes stats as gauges.
func ObserveStats(stats *Stats) {
	if stats == nil {
		return
	}
	for status, count := range stats.Counts {
		queueDepth.WithLabelValues(string(status)).Set(float64(count))
	}
	oldestPendingSeconds.Set(stats.OldestPendingAge.Seconds())
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
