// Package storage provides the SQLite storage layer for Argus.
//
// One process owns one backing file. The store opens it in WAL mode so reads
// proceed concurrently with the single writer; all durable writes (ingest,
// lifecycle updates, retention deletes) are serialized behind writeMu.
package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database for events, sessions, and agents.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// writeMu serializes durable writes to respect SQLite's single-writer
	// discipline. WAL mode keeps readers unblocked.
	writeMu sync.Mutex

	// now is a test seam for timestamp assignment and retention cutoffs.
	now func() time.Time
}

// Open opens (creating if necessary) the database at path, enables WAL mode,
// and brings the schema up to date. Additive migrations are applied one
// ALTER at a time so a crash mid-migration leaves either the old or the new
// shape, never a hybrid.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger, now: time.Now}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrateSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Best-effort: legacy rows carried session_id only inside the opaque
	// payload. A failure here is logged, not fatal.
	if n, err := s.backfillSessionIDs(); err != nil {
		logger.Warn("storage: session_id backfill failed", "error", err)
	} else if n > 0 {
		logger.Info("storage: backfilled session_id from payload", "rows", n)
	}

	return s, nil
}

// JournalMode returns the active journal mode (for startup verification).
func (s *Store) JournalMode() (string, error) {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", fmt.Errorf("storage: query journal mode: %w", err)
	}
	return mode, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// nullStr maps the empty string to SQL NULL.
func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// strOrEmpty unwraps a nullable TEXT column.
func strOrEmpty(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}
