package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ordefy/ordefy/internal/statehook"
	"github.com/ordefy/ordefy/pkg/store/postgres"
)

const jobColumns = `id, tenant_id, shop_domain, topic, delivery_id, payload, signature, status, attempts,
	next_attempt_at, last_error, claimed_at, created_at, updated_at, completed_at`

const claimQuery = `
UPDATE webhook_queue q
SET status = 'processing', claimed_at = $2, updated_at = $2
FROM (
	SELECT id FROM webhook_queue
	WHERE status = 'pending' AND next_attempt_at <= $2
	ORDER BY next_attempt_at
	LIMIT $1
	FOR UPDATE SKIP LOCKED
) due
WHERE q.id = due.id
RETURNING q.id, q.tenant_id, q.shop_domain, q.topic, q.delivery_id, q.payload, q.signature, q.status,
	q.attempts, q.next_attempt_at, q.last_error, q.claimed_at, q.created_at, q.updated_at, q.completed_at`

const enqueueQuery = `
INSERT INTO webhook_queue (id, tenant_id, shop_domain, topic, delivery_id, payload, signature,
	status, attempts, next_attempt_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $8, $8)
ON CONFLICT (tenant_id, delivery_id) WHERE delivery_id IS NOT NULL DO NOTHING
RETURNING ` + jobColumns

const finishQuery = `
UPDATE webhook_queue
SET status = $2,
	attempts = attempts + $3,
	next_attempt_at = COALESCE($4, next_attempt_at),
	last_error = NULLIF($5, ''),
	completed_at = CASE WHEN $2 = 'completed' THEN $6 ELSE NULL END,
	claimed_at = NULL,
	updated_at = $6
WHERE id = $1 AND status = 'processing' AND ($7::timestamptz IS NULL OR claimed_at = $7)
RETURNING ` + jobColumns

const requeueFailedQuery = `
UPDATE webhook_queue
SET status = 'pending', next_attempt_at = $2, claimed_at = NULL, updated_at = $2
WHERE id = $1 AND status = 'failed'
RETURNING ` + jobColumns

const requeueStaleQuery = `
UPDATE webhook_queue
SET status = 'pending', next_attempt_at = $2, claimed_at = NULL, updated_at = $2, last_error = $3
WHERE status = 'processing' AND claimed_at < $1
RETURNING ` + jobColumns

const deleteCompletedQuery = `
DELETE FROM webhook_queue
WHERE status = 'completed' AND id IN (
	SELECT id FROM webhook_queue
	WHERE status = 'completed' AND completed_at < $1
	ORDER BY completed_at
	LIMIT $2
)`

const statsCountsQuery = `SELECT status, COUNT(*) FROM webhook_queue GROUP BY status`

const statsAgeQuery = `
SELECT
	(SELECT MIN(created_at) FROM webhook_queue WHERE status = 'pending'),
	(SELECT COUNT(*) FROM webhook_queue WHERE status = 'processing' AND claimed_at < $1)`

// PostgresStore keeps jobs in the webhook_queue table. Status changes and
// their transition hooks share one transaction.
type PostgresStore struct {
	db          *postgres.Adapter
	transitions *statehook.Table[Status, *Job]
	newID       func() string
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on db.
func NewPostgresStore(db *postgres.Adapter, opts ...StoreOption) *PostgresStore {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &PostgresStore{db: db, transitions: o.transitions, newID: o.newID}
}

func (s *PostgresStore) Enqueue(ctx context.Context, in NewJob, now time.Time) (*Job, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.db.WithQueryTimeout(ctx)
	defer cancel()

	row := s.db.Executor(ctx).QueryRowContext(ctx, enqueueQuery,
		s.newID(), in.TenantID, in.ShopDomain, in.Topic, nullString(in.DeliveryID),
		[]byte(in.Payload), in.Signature, now.UTC(),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		existing, findErr := s.findByDelivery(ctx, in.TenantID, in.DeliveryID)
		if findErr != nil {
			return nil, fmt.Errorf("load duplicate delivery: %w", findErr)
		}
		return existing, ErrDuplicateDelivery
	}
	if err != nil {
		return nil, fmt.Errorf("insert webhook job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) findByDelivery(ctx context.Context, tenantID, deliveryID string) (*Job, error) {
	row := s.db.Executor(ctx).QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM webhook_queue WHERE tenant_id = $1 AND delivery_id = $2`,
		tenantID, deliveryID,
	)
	return scanJob(row)
}

func (s *PostgresStore) Claim(ctx context.Context, limit int, now time.Time) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := s.db.WithQueryTimeout(ctx)
	defer cancel()

	var claimed []*Job
	err := s.db.WithTransaction(ctx, func(ctx context.Context) error {
		rows, err := s.db.Executor(ctx).QueryContext(ctx, claimQuery, limit, now.UTC())
		if err != nil {
			return fmt.Errorf("claim webhook jobs: %w", err)
		}
		jobs, err := scanJobs(rows)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if err := s.transitions.Fire(ctx, job, StatusPending, StatusProcessing); err != nil {
				return err
			}
		}
		claimed = jobs
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(claimed, func(i, j int) bool { return claimed[i].NextAttemptAt.Before(claimed[j].NextAttemptAt) })
	return claimed, nil
}

func (s *PostgresStore) Finish(ctx context.Context, id string, out Outcome) (*Job, error) {
	if err := out.validate(); err != nil {
		return nil, err
	}
	if !s.transitions.Allowed(StatusProcessing, out.Status) {
		return nil, queueError(ErrInvalidTransition, string(StatusProcessing)+" -> "+string(out.Status))
	}
	ctx, cancel := s.db.WithQueryTimeout(ctx)
	defer cancel()

	attempted := 0
	if out.Attempted {
		attempted = 1
	}
	var next sql.NullTime
	if out.Status == StatusPending {
		next = sql.NullTime{Time: out.NextAttemptAt.UTC(), Valid: true}
	}
	var claimed sql.NullTime
	if !out.ClaimedAt.IsZero() {
		claimed = sql.NullTime{Time: out.ClaimedAt.UTC(), Valid: true}
	}

	var job *Job
	err := s.db.WithTransaction(ctx, func(ctx context.Context) error {
		row := s.db.Executor(ctx).QueryRowContext(ctx, finishQuery,
			id, string(out.Status), attempted, next, out.LastError, out.At.UTC(), claimed,
		)
		var err error
		job, err = scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return s.missingOrConflict(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("finish webhook job: %w", err)
		}
		return s.transitions.Fire(ctx, job, StatusProcessing, job.Status)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) missingOrConflict(ctx context.Context, id string) error {
	var status string
	err := s.db.Executor(ctx).QueryRowContext(ctx, `SELECT status FROM webhook_queue WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load webhook job status: %w", err)
	}
	if status == string(StatusProcessing) {
		return queueError(ErrConflict, "job "+id+" was claimed again")
	}
	return queueError(ErrConflict, "job "+id+" is "+status)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	ctx, cancel := s.db.WithQueryTimeout(ctx)
	defer cancel()

	row := s.db.Executor(ctx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM webhook_queue WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.Topic != "" {
		add("topic = $%d", f.Topic)
	}
	if !f.ClaimedBefore.IsZero() {
		add("claimed_at < $%d", f.ClaimedBefore.UTC())
	}

	query := `SELECT ` + jobColumns + ` FROM webhook_queue`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d`, len(args))

	ctx, cancel := s.db.WithQueryTimeout(ctx)
	defer cancel()
	rows, err := s.db.Executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) Stats(ctx context.Context, staleBefore, now time.Time) (*Stats, error) {
	ctx, cancel := s.db.WithQueryTimeout(ctx)
	defer cancel()
	exec := s.db.Executor(ctx)

	rows, err := exec.QueryContext(ctx, statsCountsQuery)
	if err != nil {
		return nil, fmt.Errorf("count webhook jobs: %w", err)
	}
	defer rows.Close()

	stats := newStats()
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan webhook job counts: %w", err)
		}
		stats.Counts[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook job counts: %w", err)
	}

	var oldest sql.NullTime
	if err := exec.QueryRowContext(ctx, statsAgeQuery, staleBefore.UTC()).Scan(&oldest, &stats.StaleProcessing); err != nil {
		return nil, fmt.Errorf("load webhook queue age: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAge = now.Sub(oldest.Time)
	}
	return stats, nil
}

func (s *PostgresStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = DefaultCleanupBatchLimit
	}
	ctx, cancel := s.db.WithQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.Executor(ctx).ExecContext(ctx, deleteCompletedQuery, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete completed webhook jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted webhook jobs: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) RequeueFailed(ctx context.Context, id string, now time.Time) (*Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	ctx, cancel := s.db.WithQueryTimeout(ctx)
	defer cancel()

	var job *Job
	err := s.db.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		job, err = scanJob(s.db.Executor(ctx).QueryRowContext(ctx, requeueFailedQuery, id, now.UTC()))
		if errors.Is(err, sql.ErrNoRows) {
			return s.missingOrConflict(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("requeue failed webhook job: %w", err)
		}
		return s.transitions.Fire(ctx, job, StatusFailed, StatusPending)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) RequeueStale(ctx context.Context, claimedBefore, now time.Time) ([]*Job, error) {
	ctx, cancel := s.db.WithQueryTimeout(ctx)
	defer cancel()

	var jobs []*Job
	err := s.db.WithTransaction(ctx, func(ctx context.Context) error {
		rows, err := s.db.Executor(ctx).QueryContext(ctx, requeueStaleQuery,
			claimedBefore.UTC(), now.UTC(), staleRequeueError)
		if err != nil {
			return fmt.Errorf("requeue stale webhook jobs: %w", err)
		}
		requeued, err := scanJobs(rows)
		if err != nil {
			return err
		}
		for _, job := range requeued {
			if err := s.transitions.Fire(ctx, job, StatusProcessing, StatusPending); err != nil {
				return err
			}
		}
		jobs = requeued
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		status      string
		payload     []byte
		deliveryID  sql.NullString
		lastError   sql.NullString
		claimedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.TenantID, &job.ShopDomain, &job.Topic, &deliveryID, &payload, &job.Signature,
		&status, &job.Attempts, &job.NextAttemptAt, &lastError, &claimedAt,
		&job.CreatedAt, &job.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.Payload = append([]byte(nil), payload...)
	job.DeliveryID = deliveryID.String
	job.LastError = lastError.String
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		job.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	job.NextAttemptAt = job.NextAttemptAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook jobs: %w", err)
	}
	return jobs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
