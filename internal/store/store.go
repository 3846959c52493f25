// Package store persists arbiter state in SQLite: tasks, thoughts, the audit
// chain, signing keys, graph memory, service correlations, and deferrals.
// All state lives in one database file so a finalize transaction can update
// thought, task, and audit atomically.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"arbiter/internal/logging"
)

// Store wraps the SQLite database. Safe for concurrent use; writes are
// serialized through a single connection.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Option tweaks store construction.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
}

// WithBusyTimeout sets the SQLite busy timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// Open initializes the SQLite database at the given path, creating the
// schema on first use.
func Open(path string, opts ...Option) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	o := options{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps WAL happy.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", o.busyTimeout.Milliseconds())); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable sqlite foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store opened at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			correlation_key TEXT NOT NULL UNIQUE,
			origin TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

		`CREATE TABLE IF NOT EXISTS thoughts (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			parent_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			status TEXT NOT NULL,
			round INTEGER NOT NULL DEFAULT 0,
			depth INTEGER NOT NULL DEFAULT 0,
			rationale TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thoughts_status ON thoughts(status)`,
		`CREATE INDEX IF NOT EXISTS idx_thoughts_task ON thoughts(task_id)`,

		`CREATE TABLE IF NOT EXISTS audit_entries (
			sequence_number INTEGER PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			originator_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			payload TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL,
			signature TEXT NOT NULL,
			signing_key_id TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS signing_keys (
			key_id TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			created_at TEXT NOT NULL,
			retired_at TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS memory_nodes (
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (scope, key)
		)`,

		`CREATE TABLE IF NOT EXISTS correlations (
			id TEXT PRIMARY KEY,
			capability TEXT NOT NULL,
			operation TEXT NOT NULL,
			provider TEXT NOT NULL,
			thought_id TEXT NOT NULL DEFAULT '',
			request TEXT NOT NULL DEFAULT '',
			response TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_correlations_capability ON correlations(capability)`,

		`CREATE TABLE IF NOT EXISTS deferrals (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			thought_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			resolution TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			resolved_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deferrals_status ON deferrals(status)`,
	}

	for _, stmt := range tables {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	logging.StoreDebug("Closing store at %s", s.dbPath)
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// dbtx is the common surface of *sql.DB and *sql.Tx, letting query helpers
// run both standalone and inside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx exposes store operations bound to one transaction. Obtained through
// RunInTx; never retain a Tx past the callback.
type Tx struct {
	tx *sql.Tx
}

// RunInTx executes fn inside a single transaction. The transaction commits
// when fn returns nil and rolls back otherwise. This is how finalize keeps
// thought status, task status, and audit append atomic.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	t := &Tx{tx: sqlTx}
	if err := fn(t); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			logging.StoreError("Rollback failed: %v (after: %v)", rbErr, err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Timestamp helpers
// -----------------------------------------------------------------------------

// Timestamps are stored as RFC3339Nano strings so scans never depend on
// driver-specific time handling.

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
