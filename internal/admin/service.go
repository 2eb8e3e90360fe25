// Package admin exposes queue operations to operators over HTTP and the CLI.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/pkg/observability/logger"
)

// StatsView is the operator view of the queue.
type StatsView struct {
	Counts                  map[queue.Status]int64 `json:"counts"`
	Total                   int64                  `json:"total"`
	OldestPendingAgeSeconds float64                `json:"oldest_pending_age_seconds"`
	StaleProcessing         int64                  `json:"stale_processing"`
	StaleAfterSeconds       float64                `json:"stale_after_seconds"`
}

// Service runs operator actions against the queue.
type Service struct {
	store    queue.Store
	cleaner  *queue.Cleaner
	detector *queue.StaleDetector
	monitor  *queue.Monitor
	log      logger.Logger
	now      func() time.Time
}

// NewService wires the operator actions onto store.
func NewService(store queue.Store, cleaner *queue.Cleaner, detector *queue.StaleDetector, log logger.Logger) *Service {
	return &Service{
		store:    store,
		cleaner:  cleaner,
		detector: detector,
		monitor:  queue.NewMonitor(store, detector),
		log:      log,
		now:      time.Now,
	}
}

// Stats returns counts for every status and refreshes the gauges.
func (s *Service) Stats(ctx context.Context) (*StatsView, error) {
	stats, err := s.monitor.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue stats: %w", err)
	}
	queue.ObserveStats(stats)

	view := &StatsView{
		Counts:                  make(map[queue.Status]int64, len(queue.Statuses)),
		OldestPendingAgeSeconds: stats.OldestPendingAge.Seconds(),
		StaleProcessing:         stats.StaleProcessing,
		StaleAfterSeconds:       s.detector.StaleAfter().Seconds(),
	}
	for _, status := range queue.Statuses {
		n := stats.Counts[status]
		view.Counts[status] = n
		view.Total += n
	}
	return view, nil
}

// Cleanup deletes completed jobs past retention.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	return s.cleaner.Run(ctx)
}

// Jobs lists jobs matching filter.
func (s *Service) Jobs(ctx context.Context, filter queue.ListFilter) ([]*queue.Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", queue.ErrValidation, filter.Status)
	}
	return s.store.List(ctx, filter)
}

// Retry moves a failed job back to pending. Attempts are kept, so a job
// that failed on its last attempt gets exactly one more run.
func (s *Service) Retry(ctx context.Context, id string) (*queue.Job, error) {
	job, err := s.store.RequeueFailed(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	s.log.WithContext(ctx).Info("failed webhook job requeued", "job_id", job.ID, "tenant_id", job.TenantID, "topic", job.Topic, "attempts", job.Attempts)
	return job, nil
}

// Stale lists jobs stuck in processing.
func (s *Service) Stale(ctx context.Context, limit int) ([]*queue.Job, error) {
	return s.detector.Find(ctx, limit)
}

// RequeueStale moves every stale job back to pending.
func (s *Service) RequeueStale(ctx context.Context) ([]*queue.Job, error) {
	return s.detector.Requeue(ctx)
}

// StaleAfter returns the processing age that marks a job stale.
func (s *Service) StaleAfter() time.Duration {
	return s.detector.StaleAfter()
}
