// Package migrate applies versioned SQL migrations stored in an fs.FS.
//
// Files are named NNN_name.up.sql and NNN_name.down.sql. Applied versions
// are recorded in schema_migrations. Each migration runs in its own
// transaction, and Up holds a Postgres advisory lock so replicas starting
// together apply each migration once.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ordefy/ordefy/pkg/observability/logger"
)

// advisoryLockID is an arbitrary constant shared by every replica.
const advisoryLockID = 7_312_004_118

var migrationNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)\.(up|down)\.sql$`)

// Migration is one versioned schema change.
type Migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// PendingMigration is a known migration that has not been applied.
type PendingMigration struct {
	Version int64  `json:"version"`
	Name    string `json:"name"`
}

// Status lists applied and pending versions.
type Status struct {
	AppliedVersions []int64            `json:"applied_versions"`
	Pending         []PendingMigration `json:"pending"`
}

// Manager applies and reverts migrations against one database.
type Manager struct {
	db         *sql.DB
	migrations []Migration
	log        logger.Logger
}

// NewManager loads migrations from dir in files.
func NewManager(db *sql.DB, files fs.FS, dir string, log logger.Logger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if files == nil {
		return nil, errors.New("migration files filesystem is required")
	}
	migrations, err := Load(files, dir)
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, migrations: migrations, log: log}, nil
}

// Migrations returns the loaded migrations in version order.
func (m *Manager) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

// Up applies every pending migration and returns how many ran.
func (m *Manager) Up(ctx context.Context) (int, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockID); err != nil {
		return 0, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockID); err != nil {
			m.log.Warn("failed to release migration lock", "error", err)
		}
	}()

	if err := ensureMetadataTable(ctx, conn); err != nil {
		return 0, err
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return 0, err
	}
	done := make(map[int64]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	count := 0
	for _, migration := range m.migrations {
		if done[migration.Version] {
			continue
		}
		err := runInTx(ctx, conn, migration.UpSQL,
			`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, NOW())`, migration.Version)
		if err != nil {
			return count, fmt.Errorf("apply migration %d_%s: %w", migration.Version, migration.Name, err)
		}
		m.log.Info("migration applied", "version", migration.Version, "name", migration.Name)
		count++
	}
	return count, nil
}

// Down reverts the newest steps applied migrations.
func (m *Manager) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		return 0, errors.New("steps must be greater than zero")
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	if err := ensureMetadataTable(ctx, conn); err != nil {
		return 0, err
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return 0, err
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i] > applied[j] })
	if steps > len(applied) {
		steps = len(applied)
	}

	reverted := 0
	for _, version := range applied[:steps] {
		migration, ok := m.byVersion(version)
		if !ok {
			return reverted, fmt.Errorf("migration definition not found for applied version %d", version)
		}
		if strings.TrimSpace(migration.DownSQL) == "" {
			return reverted, fmt.Errorf("down migration missing for version %d", version)
		}
		if err := runInTx(ctx, conn, migration.DownSQL, `DELETE FROM schema_migrations WHERE version = $1`, version); err != nil {
			return reverted, fmt.Errorf("revert migration %d_%s: %w", migration.Version, migration.Name, err)
		}
		m.log.Info("migration reverted", "version", migration.Version, "name", migration.Name)
		reverted++
	}
	return reverted, nil
}

// Status reports applied and pending migrations.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	if err := ensureMetadataTable(ctx, conn); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return nil, err
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i] < applied[j] })

	done := make(map[int64]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}
	status := &Status{AppliedVersions: applied, Pending: []PendingMigration{}}
	for _, migration := range m.migrations {
		if !done[migration.Version] {
			status.Pending = append(status.Pending, PendingMigration{Version: migration.Version, Name: migration.Name})
		}
	}
	return status, nil
}

func (m *Manager) byVersion(version int64) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.Version == version {
			return migration, true
		}
	}
	return Migration{}, false
}

func runInTx(ctx context.Context, conn *sql.Conn, script, record string, version int64) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ensureMetadataTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) ([]int64, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration version: %w", err)
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

// Load reads and pairs migration files in dir, sorted by version. Files not
// matching the naming pattern are ignored.
func Load(files fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}

	byVersion := make(map[int64]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationNamePattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version %q: %w", matches[1], err)
		}
		payload, err := fs.ReadFile(files, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration file %q: %w", entry.Name(), err)
		}

		migration, ok := byVersion[version]
		if !ok {
			migration = &Migration{Version: version, Name: matches[2]}
			byVersion[version] = migration
		} else if migration.Name != matches[2] {
			return nil, fmt.Errorf("migration version %d has conflicting names %q and %q", version, migration.Name, matches[2])
		}
		if matches[3] == "up" {
			migration.UpSQL = string(payload)
		} else {
			migration.DownSQL = string(payload)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, migration := range byVersion {
		if strings.TrimSpace(migration.UpSQL) == "" {
			return nil, fmt.Errorf("missing up migration for version %d", migration.Version)
		}
		migrations = append(migrations, *migration)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
