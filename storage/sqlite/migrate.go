package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Migration is one schema step. Statements run in a single transaction.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

func (m Migration) checksum() string {
	h := sha256.Sum256([]byte(strings.Join(m.Statements, ";\n")))
	return hex.EncodeToString(h[:])
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrations is the ordered schema history. Never edit an entry once
// released; add a new version instead.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial_schema",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS records (
				id               TEXT PRIMARY KEY,
				resource_type    TEXT NOT NULL,
				payload          BLOB NOT NULL DEFAULT x'',
				version          INTEGER NOT NULL,
				sync_state       TEXT NOT NULL,
				last_modified_at INTEGER NOT NULL DEFAULT 0,
				server_revision  INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_records_type ON records (resource_type)`,
			`CREATE INDEX IF NOT EXISTS idx_records_state ON records (sync_state)`,
			`CREATE TABLE IF NOT EXISTS media (
				id              TEXT PRIMARY KEY,
				owner_record_id TEXT NOT NULL DEFAULT '',
				mime_type       TEXT NOT NULL DEFAULT '',
				bytes           BLOB NOT NULL DEFAULT x'',
				captured_at     INTEGER NOT NULL DEFAULT 0,
				upload_state    TEXT NOT NULL,
				content_hash    TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_media_owner ON media (owner_record_id)`,
			`CREATE TABLE IF NOT EXISTS queue (
				id                   TEXT PRIMARY KEY,
				target_resource_type TEXT NOT NULL,
				target_record_id     TEXT NOT NULL,
				operation            TEXT NOT NULL,
				payload_snapshot     BLOB NOT NULL DEFAULT x'',
				attempt_count        INTEGER NOT NULL DEFAULT 0,
				created_at           INTEGER NOT NULL,
				last_attempt_at      INTEGER NOT NULL DEFAULT 0,
				last_error           TEXT NOT NULL DEFAULT '',
				state                TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS cache_entries (
				key              TEXT PRIMARY KEY,
				method           TEXT NOT NULL,
				url              TEXT NOT NULL,
				status           INTEGER NOT NULL,
				header           BLOB NOT NULL DEFAULT x'',
				body             BLOB NOT NULL DEFAULT x'',
				stored_at        INTEGER NOT NULL,
				last_accessed_at INTEGER NOT NULL,
				strategy         TEXT NOT NULL,
				etag             TEXT NOT NULL DEFAULT '',
				content_hash     TEXT NOT NULL DEFAULT '',
				size             INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cache_lru ON cache_entries (last_accessed_at)`,
		},
	},
	{
		// Rebuilds the queue with a durable sequence and the delivery columns.
		// Every undelivered row is carried over in creation order; migrated rows
		// get an idempotency key derived from their id so replays still collapse.
		Version:     2,
		Description: "queue_sequence_and_idempotency",
		Statements: []string{
			`CREATE TABLE queue_v2 (
				seq                  INTEGER PRIMARY KEY AUTOINCREMENT,
				id                   TEXT NOT NULL UNIQUE,
				target_resource_type TEXT NOT NULL,
				target_record_id     TEXT NOT NULL,
				operation            TEXT NOT NULL,
				payload_snapshot     BLOB NOT NULL DEFAULT x'',
				attempt_count        INTEGER NOT NULL DEFAULT 0,
				created_at           INTEGER NOT NULL,
				last_attempt_at      INTEGER NOT NULL DEFAULT 0,
				last_error           TEXT NOT NULL DEFAULT '',
				state                TEXT NOT NULL,
				idempotency_key      TEXT NOT NULL,
				base_revision        INTEGER NOT NULL DEFAULT 0,
				modified_at          INTEGER NOT NULL DEFAULT 0,
				next_attempt_at      INTEGER NOT NULL DEFAULT 0,
				owner_record_id      TEXT NOT NULL DEFAULT ''
			)`,
			`INSERT INTO queue_v2 (id, target_resource_type, target_record_id, operation, payload_snapshot,
				attempt_count, created_at, last_attempt_at, last_error, state, idempotency_key, modified_at)
			 SELECT id, target_resource_type, target_record_id, operation, payload_snapshot,
				attempt_count, created_at, last_attempt_at, last_error, state, 'idem-' || id, created_at
			 FROM queue
			 WHERE state <> 'acknowledged'
			 ORDER BY created_at, rowid`,
			`DROP TABLE queue`,
			`ALTER TABLE queue_v2 RENAME TO queue`,
			`CREATE INDEX IF NOT EXISTS idx_queue_target ON queue (target_record_id)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_owner ON queue (owner_record_id)`,
		},
	},
}

// Migrator applies the schema history.
type Migrator struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrator creates a migrator over the built-in schema history.
func NewMigrator(db *sql.DB, logger *slog.Logger) *Migrator {
	return &Migrator{db: db, logger: logger, migrations: migrations}
}

func (m *Migrator) initialize(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at  INTEGER NOT NULL,
		description TEXT NOT NULL,
		checksum    TEXT NOT NULL
	)`)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// LatestVersion is the highest version this binary knows.
func (m *Migrator) LatestVersion() int {
	return m.migrations[len(m.migrations)-1].Version
}

// Applied returns all applied migrations.
func (m *Migrator) Applied(ctx context.Context) ([]AppliedMigration, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&a.Version, &appliedAt, &a.Description, &a.Checksum); err != nil {
			return nil, err
		}
		a.AppliedAt = fromNanos(appliedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Up applies all pending migrations. A recorded checksum that differs from the
// binary's is reported rather than silently re-applied.
func (m *Migrator) Up(ctx context.Context) error {
	return m.UpTo(ctx, m.LatestVersion())
}

// UpTo applies pending migrations up to and including target.
func (m *Migrator) UpTo(ctx context.Context, target int) error {
	applied, err := m.Applied(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	done := make(map[int]string, len(applied))
	for _, a := range applied {
		done[a.Version] = a.Checksum
	}

	for _, mig := range m.migrations {
		if mig.Version > target {
			break
		}
		if sum, ok := done[mig.Version]; ok {
			if sum != mig.checksum() {
				return fmt.Errorf("migration V%d checksum mismatch: database has %s", mig.Version, sum)
			}
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", mig.Version, err)
		}
		if m.logger != nil {
			m.logger.Info("applied migration",
				slog.Int("version", mig.Version),
				slog.String("description", mig.Description),
			)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range mig.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
		mig.Version, time.Now().UnixNano(), mig.Description, mig.checksum()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
