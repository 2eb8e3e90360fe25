package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ordefy/ordefy/internal/statehook"
)

// MemoryStore keeps jobs in process memory. It honors the same claim and
// transition contract as PostgresStore and backs local runs and tests.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	deliveries  map[string]string
	transitions *statehook.Table[Status, *Job]
	newID       func() string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		jobs:        make(map[string]*Job),
		deliveries:  make(map[string]string),
		transitions: o.transitions,
		newID:       o.newID,
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, in NewJob, now time.Time) (*Job, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.DeliveryID != "" {
		if id, ok := s.deliveries[in.TenantID+"\x00"+in.DeliveryID]; ok {
			return cloneJob(s.jobs[id]), ErrDuplicateDelivery
		}
	}
	now = now.UTC()
	job := &Job{
		ID:            s.newID(),
		TenantID:      in.TenantID,
		ShopDomain:    in.ShopDomain,
		Topic:         in.Topic,
		DeliveryID:    in.DeliveryID,
		Payload:       append([]byte(nil), in.Payload...),
		Signature:     in.Signature,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.jobs[job.ID] = job
	if in.DeliveryID != "" {
		s.deliveries[in.TenantID+"\x00"+in.DeliveryID] = job.ID
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) Claim(ctx context.Context, limit int, now time.Time) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Status == StatusPending && !job.NextAttemptAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Job, 0, len(due))
	for _, job := range due {
		next := cloneJob(job)
		at := now.UTC()
		next.Status = StatusProcessing
		next.ClaimedAt = &at
		next.UpdatedAt = at
		if err := s.transitions.Fire(ctx, next, StatusPending, StatusProcessing); err != nil {
			return claimed, err
		}
		s.jobs[job.ID] = next
		claimed = append(claimed, cloneJob(next))
	}
	return claimed, nil
}

func (s *MemoryStore) Finish(ctx context.Context, id string, out Outcome) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != StatusProcessing {
		return nil, queueError(ErrConflict, "job "+id+" is "+string(job.Status))
	}
	if !out.ClaimedAt.IsZero() && (job.ClaimedAt == nil || !job.ClaimedAt.Equal(out.ClaimedAt)) {
		return nil, queueError(ErrConflict, "job "+id+" was claimed again")
	}
	next, err := applyOutcome(job, out)
	if err != nil {
		return nil, err
	}
	if err := s.transitions.Fire(ctx, next, StatusProcessing, next.Status); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return cloneJob(next), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0)
	for _, job := range s.jobs {
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.TenantID != "" && job.TenantID != f.TenantID {
			continue
		}
		if f.Topic != "" && job.Topic != f.Topic {
			continue
		}
		if !f.ClaimedBefore.IsZero() && (job.ClaimedAt == nil || !job.ClaimedAt.Before(f.ClaimedBefore)) {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, staleBefore, now time.Time) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := newStats()
	var oldest time.Time
	for _, job := range s.jobs {
		stats.Counts[job.Status]++
		switch job.Status {
		case StatusPending:
			if oldest.IsZero() || job.CreatedAt.Before(oldest) {
				oldest = job.CreatedAt
			}
		case StatusProcessing:
			if job.ClaimedAt != nil && job.ClaimedAt.Before(staleBefore) {
				stats.StaleProcessing++
			}
		}
	}
	if !oldest.IsZero() {
		stats.OldestPendingAge = now.Sub(oldest)
	}
	return stats, nil
}

func (s *MemoryStore) DeleteCompletedBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, job := range s.jobs {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if job.Status != StatusCompleted || job.CompletedAt == nil || !job.CompletedAt.Before(cutoff) {
			continue
		}
		delete(s.jobs, id)
		if job.DeliveryID != "" {
			delete(s.deliveries, job.TenantID+"\x00"+job.DeliveryID)
		}
		deleted++
	}
	return deleted, nil
}

func (s *MemoryStore) RequeueFailed(ctx context.Context, id string, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != StatusFailed {
		return nil, queueError(ErrConflict, "job "+id+" is "+string(job.Status))
	}
	next := requeued(job, now)
	if err := s.transitions.Fire(ctx, next, StatusFailed, StatusPending); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return cloneJob(next), nil
}

func (s *MemoryStore) RequeueStale(ctx context.Context, claimedBefore, now time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0)
	for id, job := range s.jobs {
		if job.Status != StatusProcessing || job.ClaimedAt == nil || !job.ClaimedAt.Before(claimedBefore) {
			continue
		}
		next := requeued(job, now)
		next.LastError = staleRequeueError
		if err := s.transitions.Fire(ctx, next, StatusProcessing, StatusPending); err != nil {
			return out, err
		}
		s.jobs[id] = next
		out = append(out, cloneJob(next))
	}
	return out, nil
}

const staleRequeueError = "requeued after stale processing"

// applyOutcome returns the job after out, leaving job untouched.
func applyOutcome(job *Job, out Outcome) (*Job, error) {
	if err := out.validate(); err != nil {
		return nil, err
	}
	at := out.At.UTC()
	next := cloneJob(job)
	next.Status = out.Status
	if out.Attempted {
		next.Attempts++
	}
	next.LastError = out.LastError
	next.ClaimedAt = nil
	next.UpdatedAt = at
	switch out.Status {
	case StatusCompleted:
		next.CompletedAt = &at
	case StatusPending:
		next.NextAttemptAt = out.NextAttemptAt.UTC()
	}
	return next, nil
}

func (o Outcome) validate() error {
	switch o.Status {
	case StatusCompleted, StatusFailed:
	case StatusPending:
		if o.NextAttemptAt.IsZero() {
			return queueError(ErrValidation, "retry outcome requires next attempt time")
		}
	default:
		return queueError(ErrInvalidTransition, string(StatusProcessing)+" -> "+string(o.Status))
	}
	if o.At.IsZero() {
		return queueError(ErrValidation, "outcome time is required")
	}
	return nil
}

func requeued(job *Job, now time.Time) *Job {
	at := now.UTC()
	next := cloneJob(job)
	next.Status = StatusPending
	next.NextAttemptAt = at
	next.ClaimedAt = nil
	next.UpdatedAt = at
	return next
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	c := *job
	c.Payload = append([]byte(nil), job.Payload...)
	if job.ClaimedAt != nil {
		t := *job.ClaimedAt
		c.ClaimedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
