package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ordefy/ordefy/pkg/config"
	"github.com/ordefy/ordefy/pkg/observability/logger"
)

const (
	DefaultRetention          = 7 * 24 * time.Hour
	DefaultCleanupBatchLimit  = 10000
	maxCleanupBatchesPerSweep = 1000
)

// Cleaner deletes completed jobs older than the retention window. Other
// statuses are never touched.
type Cleaner struct {
	store      Store
	log        logger.Logger
	retention  time.Duration
	batchLimit int
	now        func() time.Time
}

// NewCleaner creates a cleaner from the queue settings.
func NewCleaner(store Store, log logger.Logger, cfg config.QueueConfig) *Cleaner {
	c := &Cleaner{
		store:      store,
		log:        log,
		retention:  cfg.Retention(),
		batchLimit: cfg.CleanupBatchLimit,
		now:        time.Now,
	}
	if c.retention <= 0 {
		c.retention = DefaultRetention
	}
	if c.batchLimit <= 0 {
		c.batchLimit = DefaultCleanupBatchLimit
	}
	return c
}

// Run deletes in batches until one comes back short and returns the total.
// Running it again right away deletes nothing.
func (c *Cleaner) Run(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.retention)
	var total int64
	for i := 0; i < maxCleanupBatchesPerSweep; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := c.store.DeleteCompletedBefore(ctx, cutoff, c.batchLimit)
		total += deleted
		cleanupDeletedTotal.Add(float64(deleted))
		if err != nil {
			c.log.Error("webhook queue cleanup failed", "deleted", total, "error", err)
			return total, fmt.Errorf("cleanup: %w", err)
		}
		if deleted < int64(c.batchLimit) {
			break
		}
	}
	c.log.Info("webhook queue cleanup finished", "deleted", total, "cutoff", cutoff, "retention", c.retention)
	return total, nil
}

// StaleDetector finds jobs stuck in processing longer than staleAfter, which
// happens when a worker dies between claim and finish.
type StaleDetector struct {
	store       Store
	log         logger.Logger
	staleAfter  time.Duration
	autoRequeue bool
	now         func() time.Time
}

// NewStaleDetector creates a detector from the queue settings.
func NewStaleDetector(store Store, log logger.Logger, cfg config.QueueConfig) *StaleDetector {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &StaleDetector{
		store:       store,
		log:         log,
		staleAfter:  staleAfter,
		autoRequeue: cfg.AutoRequeueStale,
		now:         time.Now,
	}
}

// StaleAfter returns the processing age after which a job counts as stale.
func (d *StaleDetector) StaleAfter() time.Duration { return d.staleAfter }

// Cutoff returns the claim time before which a processing job is stale.
func (d *StaleDetector) Cutoff() time.Time { return d.now().Add(-d.staleAfter) }

// Find lists stale jobs.
func (d *StaleDetector) Find(ctx context.Context, limit int) ([]*Job, error) {
	return d.store.List(ctx, ListFilter{Status: StatusProcessing, ClaimedBefore: d.Cutoff(), Limit: limit})
}

// Requeue moves every stale job back to pending. Attempts are unchanged.
func (d *StaleDetector) Requeue(ctx context.Context) ([]*Job, error) {
	jobs, err := d.store.RequeueStale(ctx, d.Cutoff(), d.now())
	if err != nil {
		return nil, fmt.Errorf("requeue stale jobs: %w", err)
	}
	staleRequeuedTotal.Add(float64(len(jobs)))
	for _, job := range jobs {
		d.log.Warn("stale webhook job requeued", "job_id", job.ID, "tenant_id", job.TenantID, "topic", job.Topic)
	}
	return jobs, nil
}

// Scan reports stale jobs and requeues them when auto requeue is enabled.
func (d *StaleDetector) Scan(ctx context.Context) error {
	stale, err := d.Find(ctx, maxListLimit)
	if err != nil {
		return fmt.Errorf("find stale jobs: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	d.log.Warn("stale webhook jobs detected", "count", len(stale), "stale_after", d.staleAfter, "auto_requeue", d.autoRequeue)
	if !d.autoRequeue {
		return nil
	}
	_, err = d.Requeue(ctx)
	return err
}

// Monitor refreshes the queue gauges from store stats.
type Monitor struct {
	store    Store
	detector *StaleDetector
	now      func() time.Time
}

// NewMonitor creates a monitor using detector's stale cutoff.
func NewMonitor(store Store, detector *StaleDetector) *Monitor {
	return &Monitor{store: store, detector: detector, now: time.Now}
}

// Stats loads the current stats.
func (m *Monitor) Stats(ctx context.Context) (*Stats, error) {
	if m.detector == nil {
		return nil, errors.New("stale detector is required")
	}
	return m.store.Stats(ctx, m.detector.Cutoff(), m.now())
}

// Refresh loads stats and publishes them as gauges.
func (m *Monitor) Refresh(ctx context.Context) error {
	stats, err := m.Stats(ctx)
	if err != nil {
		return err
	}
	ObserveStats(stats)
	return nil
}
