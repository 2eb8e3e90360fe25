package queue

import (
	"context"
	"time"

	"github.com/ordefy/ordefy/internal/statehook"
)

// Store persists jobs. Implementations must make Claim exclusive: a job
// returned by one Claim call is never returned by another until it leaves
// processing.
type Store interface {
	// Enqueue inserts a pending job with zero attempts due now. A repeated
	// delivery id for the tenant returns the existing job and ErrDuplicateDelivery.
	Enqueue(ctx context.Context, job NewJob, now time.Time) (*Job, error)
	// Claim moves up to limit due pending jobs to processing, oldest
	// next_attempt_at first.
	Claim(ctx context.Context, limit int, now time.Time) ([]*Job, error)
	// Finish records the outcome of a processing job.
	Finish(ctx context.Context, id string, outcome Outcome) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
	Stats(ctx context.Context, staleBefore, now time.Time) (*Stats, error)
	// DeleteCompletedBefore removes at most limit completed jobs whose
	// completed_at is before cutoff.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	// RequeueFailed moves a failed job back to pending without touching attempts.
	RequeueFailed(ctx context.Context, id string, now time.Time) (*Job, error)
	// RequeueStale moves jobs claimed before the cutoff back to pending.
	RequeueStale(ctx context.Context, claimedBefore, now time.Time) ([]*Job, error)
}

// Outcome is the result of one processing run.
type Outcome struct {
	Status Status
	// Attempted is true when a handler ran, which counts as an attempt.
	Attempted bool
	// NextAttemptAt is required when Status is pending.
	NextAttemptAt time.Time
	LastError     string
	At            time.Time
	// ClaimedAt, when set, must match the job's current claim. A job that
	// was requeued and claimed again rejects the outcome with ErrConflict.
	ClaimedAt time.Time
}

// ListFilter narrows List.
type ListFilter struct {
	Status   Status
	TenantID string
	Topic    string
	// ClaimedBefore restricts processing jobs to those claimed before it.
	ClaimedBefore time.Time
	Limit         int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	}
	return f.Limit
}

// Stats summarizes the queue.
type Stats struct {
	Counts map[Status]int64 `json:"counts"`
	// OldestPendingAge is measured from the oldest pending job's created_at.
	OldestPendingAge time.Duration `json:"-"`
	StaleProcessing  int64         `json:"stale_processing"`
}

func newStats() *Stats {
	s := &Stats{Counts: make(map[Status]int64, len(Statuses))}
	for _, status := range Statuses {
		s.Counts[status] = 0
	}
	return s
}

// TransitionHook runs inside the transaction that changes a job's status.
type TransitionHook = statehook.Hook[Status, *Job]

// Transitions returns the job state machine with no hooks attached.
// Operator requeues (failed to pending, processing to pending) are part of it.
func Transitions() *statehook.Table[Status, *Job] {
	return statehook.New[Status, *Job]().
		Allow(StatusPending, StatusProcessing).
		Allow(StatusProcessing, StatusCompleted).
		Allow(StatusProcessing, StatusPending).
		Allow(StatusProcessing, StatusFailed).
		Allow(StatusFailed, StatusPending)
}
