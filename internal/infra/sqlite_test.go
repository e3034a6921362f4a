// README: SQLite bootstrap tests.
package infra

import (
	"context"
	"path/filepath"
	"testing"
)

func TestNewSQLiteMigrates(t *testing.T) {
	ctx := context.Background()
	db, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "data", "workshop.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := MigrateSQLite(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// second run must be a no-op
	if err := MigrateSQLite(ctx, db); err != nil {
		t.Fatalf("migrate again: %v", err)
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger'`).Scan(&n); err != nil {
		t.Fatalf("count triggers: %v", err)
	}
	if n != 2 {
		t.Fatalf("triggers = %d, want 2", n)
	}
}
