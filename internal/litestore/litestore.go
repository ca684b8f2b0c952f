// Package litestore is the single-file SQLite backend for the schema cache,
// refresh job records and refresh leases.
package litestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const ddl = `
CREATE TABLE IF NOT EXISTS schema_cache (
    origin       TEXT    NOT NULL,
    kind         TEXT    NOT NULL,
    type_key     TEXT    NOT NULL,
    payload      TEXT    NOT NULL,
    content_hash TEXT    NOT NULL,
    version      TEXT    NOT NULL DEFAULT '',
    fetched_at   INTEGER NOT NULL,
    ttl_ms       INTEGER NOT NULL,
    PRIMARY KEY (origin, kind, type_key)
);
CREATE TABLE IF NOT EXISTS refresh_leases (
    lock_key   TEXT    PRIMARY KEY,
    holder     TEXT    NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS refresh_jobs (
    id          TEXT    PRIMARY KEY,
    origin      TEXT    NOT NULL,
    scope       TEXT    NOT NULL,
    status      TEXT    NOT NULL,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER,
    summary     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_jobs_origin ON refresh_jobs (origin, finished_at);
`

// Store wraps a SQLite database.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// Open creates or opens the database file at path and applies the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("litestore: create data dir: %w", err)
		}
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("litestore: open database: %w", err)
	}
	// One connection serializes writers; WAL keeps other processes readable.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("litestore: pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("litestore: apply schema: %w", err)
	}
	logger.Info("SQLite store opened", zap.String("path", path))
	return &Store{db: db, now: time.Now, logger: logger}, nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
