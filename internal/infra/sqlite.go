// README: Embedded SQLite database for single-node and CLI use.
package infra

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"workshop/migrations"
)

// NewSQLite opens path (or ":memory:") with immediate write transactions so
// a read-modify-write on one work order is serialized against other writers.
// A single connection keeps an in-memory database alive for the pool's lifetime.
func NewSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn = "file:" + path
	}
	dsn += "?_txlock=immediate&_foreign_keys=on&_busy_timeout=5000"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	script, err := migrations.SQLite()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
