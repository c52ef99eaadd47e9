// Package store implements persistence for the relay.
//
// It holds the command queue (every issued command and its execution state)
// and the audit event log. The queue is the single source of truth for
// whether a command has been executed; live pushes never bypass it.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO)
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store provides access to the command queue and the event log.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store over an opened database.
func New(log zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
		now: time.Now,
	}
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has a single writer; one connection avoids SQLITE_BUSY under
	// concurrent dispatch and polling.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// runMigrations creates or updates the schema.
func runMigrations(db *sql.DB) error {
	schema := `
	-- Command queue. seq breaks ties between equal creation timestamps.
	CREATE TABLE IF NOT EXISTS commands (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		issuer_id   TEXT NOT NULL,
		issuer_name TEXT NOT NULL,
		action      TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		executed    INTEGER NOT NULL DEFAULT 0,
		executed_at INTEGER,
		response    TEXT,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(executed, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_commands_issuer ON commands(issuer_id, created_at DESC);

	-- Audit trail
	CREATE TABLE IF NOT EXISTS event_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp   INTEGER NOT NULL,
		category    TEXT NOT NULL,
		level       TEXT NOT NULL,
		actor_id    TEXT,
		actor       TEXT,
		action      TEXT,
		message     TEXT NOT NULL,
		details     TEXT,
		remote_addr TEXT,
		user_agent  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_event_log_actor ON event_log(actor_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_event_log_action ON event_log(action, timestamp DESC);
	`

	_, err := db.Exec(schema)
	return err
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func clampLimit(limit, def, ceiling int) int {
	if limit <= 0 {
		return def
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}
