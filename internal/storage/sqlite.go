package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := checkLocalFilesystem(path, detectFilesystemType); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Records are written from many job goroutines; one connection serializes them.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_stats (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  pid              INTEGER NOT NULL,
  recorded_at      TEXT NOT NULL,
  started_at       TEXT,
  owner            TEXT,
  model            TEXT,
  database_name    TEXT,
  queue            TEXT,
  file_type        TEXT,
  file_size        INTEGER,
  start_memory     INTEGER NOT NULL,
  max_memory       INTEGER NOT NULL,
  max_memory_delta INTEGER NOT NULL,
  elapsed_ms       INTEGER NOT NULL,
  return_code      INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS process_stats_database_model_idx ON process_stats(database_name, model);`,
		`CREATE INDEX IF NOT EXISTS process_stats_recorded_at_idx ON process_stats(recorded_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
