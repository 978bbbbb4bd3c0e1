// Package migrations embeds and applies the SQL schema of the account and
// activity stores. Applied file names are recorded per database, so each
// file runs once.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

//go:embed clickhouse/*.sql
var clickhouseFS embed.FS

// migration is one embedded file.
type migration struct {
	name string
	sql  string
}

// load reads the .sql files of dir in name order, skipping empty ones.
func load(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", dir, err)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		out = append(out, migration{name: e.Name(), sql: string(data)})
	}
	return out, nil
}

// pending drops the migrations already applied.
func pending(all []migration, applied map[string]bool) []migration {
	var out []migration
	for _, m := range all {
		if !applied[m.name] {
			out = append(out, m)
		}
	}
	return out
}
