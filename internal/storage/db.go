// Package storage persists local call history in SQLite. History survives
// restarts; live call state never touches the database.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database holding this client's call history.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the history database in the given directory.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "history.db")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _call_history (
			call_id      TEXT PRIMARY KEY,
			call_type    TEXT NOT NULL,
			status       TEXT NOT NULL,
			initiator_id TEXT DEFAULT '',
			title        TEXT DEFAULT '',
			participants INTEGER DEFAULT 0,
			started_at   DATETIME,
			ended_at     DATETIME,
			recorded_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call history table: %w", err)
	}

	// Migration: add title column if missing (existing databases)
	db.Exec(`ALTER TABLE _call_history ADD COLUMN title TEXT DEFAULT ''`)

	return &DB{db: db, path: dbPath}, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}
