// Package db provides the embedded SQLite store backing the stride sync engine.
//
// The store is the single source of truth for the application: domain
// entities and the pending-operation log live in the same database file so
// that an entity mutation and its sync intent commit atomically. The
// database runs in WAL mode for concurrent readers during writes.
//
// Layout:
//   - entities: one row per synchronized domain record
//   - pending_ops: durable FIFO log of unconfirmed local mutations
//   - sync_meta: per-type high-water marks for reconciliation
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timeLayout is the canonical timestamp encoding for all stored times.
// Fixed-width nanosecond precision (no trailing-zero trimming), so the
// lexicographic comparisons SQLite performs on these columns agree with
// chronological order. All stored times are UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite connection with engine-specific functionality.
type DB struct {
	conn *sql.DB
	path string

	// changes receives one (coalesced) signal per committed enqueue.
	// The orchestrator drains it to schedule debounced push cycles.
	changes chan struct{}
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; call InitSchema before use.
// The caller MUST call Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:    conn,
		path:    path,
		changes: make(chan struct{}, 1),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT NOT NULL,
		type TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		fields TEXT NOT NULL,
		PRIMARY KEY (type, id)
	);

	CREATE TABLE IF NOT EXISTS pending_ops (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT,
		enqueued_at TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		next_attempt_at TEXT,
		last_error TEXT,
		terminal INTEGER NOT NULL DEFAULT 0,
		in_flight INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		entity_type TEXT PRIMARY KEY,
		high_water TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_type_updated
	    ON entities(type, updated_at);

	CREATE INDEX IF NOT EXISTS idx_pending_entity
	    ON pending_ops(entity_id, enqueued_at);
	CREATE INDEX IF NOT EXISTS idx_pending_ready
	    ON pending_ops(terminal, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_pending_terminal
	    ON pending_ops(terminal) WHERE terminal = 1;
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Changes returns the enqueue notification channel. The channel carries at
// most one buffered signal; bursts of enqueues coalesce into a single wakeup.
func (db *DB) Changes() <-chan struct{} {
	return db.changes
}

// notifyChange signals the orchestrator without blocking the writer.
func (db *DB) notifyChange() {
	select {
	case db.changes <- struct{}{}:
	default:
	}
}

// Tx groups entity and queue mutations into one atomic transaction.
type Tx struct {
	tx *sql.Tx
	db *DB

	// enqueued records whether this transaction appended pending work,
	// so the change notification fires only after commit.
	enqueued bool
}

// WithTx runs fn inside a single transaction. Every mutation the engine
// performs for one logical change (entity write plus queue append, or a
// resolver decision) goes through here, so partial states are never visible.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{tx: sqlTx, db: db}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if tx.enqueued {
		db.notifyChange()
	}
	return nil
}
