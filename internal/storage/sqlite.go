// Package storage opens the gateway's SQLite database and keeps its schema
// current.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const pragmaTimeout = 5 * time.Second

// migrations are applied in order; the database's user_version records how
// many have run. Append only.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS node_state (
  node_key    TEXT PRIMARY KEY,
  workflow_id TEXT NOT NULL,
  node_id     TEXT NOT NULL,
  state       JSON NOT NULL DEFAULT '{}',
  updated_at  TEXT
);
CREATE TABLE IF NOT EXISTS trigger_executions (
  id           TEXT PRIMARY KEY,
  trigger_name TEXT NOT NULL,
  workflow_id  TEXT NOT NULL,
  node_id      TEXT NOT NULL,
  event        TEXT NOT NULL,
  item         JSON NOT NULL,
  status       TEXT NOT NULL,
  request_id   TEXT,
  created_at   TEXT NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS trigger_executions_created_at_idx ON trigger_executions(created_at);
CREATE INDEX IF NOT EXISTS trigger_executions_status_idx ON trigger_executions(status, created_at);`,
}

// ErrSchemaTooNew means the file was written by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

// OpenSQLite opens, creating if needed, the database at path and migrates
// it to the current schema.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	var nfsErr *NetworkFilesystemError
	if err := CheckLocalFilesystem(path); errors.As(err, &nfsErr) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := configure(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func configure(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, pragmaTimeout)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// SchemaVersion reports how many migrations the database has applied.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Migrate applies the migrations the database has not seen yet, each in its
// own transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("%w: version %d, supported %d", ErrSchemaTooNew, current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
	}
	return nil
}
