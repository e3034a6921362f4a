// README: Migration loader tests.
package migrations

import (
	"strings"
	"testing"
)

func TestPostgresStatements(t *testing.T) {
	stmts, err := Postgres()
	if err != nil {
		t.Fatalf("postgres: %v", err)
	}
	if len(stmts) < 5 {
		t.Fatalf("expected several statements, got %d", len(stmts))
	}
	var sawExclusion bool
	for _, s := range stmts {
		if strings.HasPrefix(s, "--") {
			t.Errorf("comment leaked into statement: %q", s)
		}
		if strings.Contains(s, OverlapConstraint) {
			sawExclusion = true
		}
	}
	if !sawExclusion {
		t.Error("reservation exclusion constraint missing")
	}
}

func TestSQLiteScriptKeepsTriggers(t *testing.T) {
	script, err := SQLite()
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if !strings.Contains(script, "RAISE(ABORT, '"+OverlapConstraint+"')") {
		t.Error("overlap trigger missing")
	}
}

func TestSplitSQL(t *testing.T) {
	got := SplitSQL("A;\n\n B ; ;C")
	want := []string{"A", "B", "C"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stmt %d = %q, want %q", i, got[i], want[i])
		}
	}
}
