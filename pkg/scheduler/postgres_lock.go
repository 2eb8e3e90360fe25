package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ordefy/ordefy/pkg/observability/logger"
)

const (
	defaultPostgresLockTable     = "scheduler_locks"
	defaultPostgresLockOperation = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresLockProviderConfig configures the Postgres lock provider.
type PostgresLockProviderConfig struct {
	Table            string
	OperationTimeout time.Duration
}

func (c *PostgresLockProviderConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultPostgresLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultPostgresLockOperation
	}
}

// PostgresLockProvider stores leases as rows in the scheduler_locks table
// created by the migrations. Expiry is judged by the database clock.
type PostgresLockProvider struct {
	db     *sql.DB
	log    logger.Logger
	config PostgresLockProviderConfig
}

// NewPostgresLockProvider uses the shared pool db. The provider does not
// own db, so Close leaves it open.
func NewPostgresLockProvider(db *sql.DB, cfg PostgresLockProviderConfig, log logger.Logger) (*PostgresLockProvider, error) {
	if db == nil {
		return nil, schedulerError(ErrInvalidArgument, "db is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, schedulerError(ErrValidation, fmt.Sprintf("invalid scheduler lock table name %q", cfg.Table))
	}
	return &PostgresLockProvider{db: db, log: log, config: cfg}, nil
}

// Acquire inserts the lease row, or takes over an expired one.
func (p *PostgresLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, schedulerError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}

	token := uuid.NewString()
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
INSERT INTO %[1]s (lock_key, owner, expires_at, updated_at)
VALUES ($1, $2, NOW() + make_interval(secs => $3), NOW())
ON CONFLICT (lock_key) DO UPDATE
SET owner = EXCLUDED.owner,
    expires_at = EXCLUDED.expires_at,
    updated_at = NOW()
WHERE %[1]s.expires_at <= NOW()
RETURNING expires_at`, p.config.Table)

	var expiresAt time.Time
	err := p.db.QueryRowContext(opCtx, query, key, token, ttl.Seconds()).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Join(schedulerError(ErrRetryable, "acquire lock failed"), err)
	}
	return &LockLease{Key: key, Token: token, ExpireAt: expiresAt.UTC()}, true, nil
}

// Renew moves the expiry when the lease is still held by its token.
func (p *PostgresLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if err := validateLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}

	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
UPDATE %s SET expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
WHERE lock_key = $1 AND owner = $2 AND expires_at > NOW()
RETURNING expires_at`, p.config.Table)

	var expiresAt time.Time
	err := p.db.QueryRowContext(opCtx, query, lease.Key, lease.Token, ttl.Seconds()).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return schedulerError(ErrConflict, "lock renew rejected")
	}
	if err != nil {
		return errors.Join(schedulerError(ErrRetryable, "renew lock failed"), err)
	}
	lease.ExpireAt = expiresAt.UTC()
	return nil
}

// Release deletes the lease row when the token matches.
func (p *PostgresLockProvider) Release(ctx context.Context, lease *LockLease) error {
	if err := validateLease(lease); err != nil {
		return err
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_key = $1 AND owner = $2`, p.config.Table)
	result, err := p.db.ExecContext(opCtx, query, lease.Key, lease.Token)
	if err != nil {
		return errors.Join(schedulerError(ErrRetryable, "release lock failed"), err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return schedulerError(ErrConflict, "lock release rejected")
	}
	return nil
}

// HealthCheck pings the pool.
func (p *PostgresLockProvider) HealthCheck(ctx context.Context) error {
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	if err := p.db.PingContext(opCtx); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "postgres lock healthcheck failed"), err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (p *PostgresLockProvider) Close() error { return nil }

func (p *PostgresLockProvider) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.config.OperationTimeout)
}

func validateLease(lease *LockLease) error {
	if lease == nil {
		return schedulerError(ErrInvalidArgument, "lease is required")
	}
	if strings.TrimSpace(lease.Key) == "" || strings.TrimSpace(lease.Token) == "" {
		return schedulerError(ErrInvalidArgument, "lease key and token are required")
	}
	return nil
}
