// README: Embedded SQL migrations for the Postgres and SQLite stores.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// OverlapConstraint names the reservation exclusion rule in both schemas.
const OverlapConstraint = "reservations_no_overlap"

// Postgres returns the Postgres statements in apply order.
func Postgres() ([]string, error) {
	scripts, err := read("postgres")
	if err != nil {
		return nil, err
	}
	var stmts []string
	for _, s := range scripts {
		stmts = append(stmts, SplitSQL(StripComments(s))...)
	}
	return stmts, nil
}

// SQLite returns the SQLite schema as one script; triggers keep their inner semicolons.
func SQLite() (string, error) {
	scripts, err := read("sqlite")
	if err != nil {
		return "", err
	}
	return strings.Join(scripts, "\n"), nil
}

func read(dir string) ([]string, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		b, err := files.ReadFile(dir + "/" + name)
		if err != nil {
			return nil, err
		}
		out = append(out, string(b))
	}
	return out, nil
}

func StripComments(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func SplitSQL(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
