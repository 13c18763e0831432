// Package db owns the sqlite database used for run manifests and
// evaluation results, and its schema migrations.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB wraps the sqlite connection.
type DB struct {
	*sql.DB
}

// OpenDB opens (creating if necessary) the sqlite database at path.
// Schema management is left to the migration layer.
func OpenDB(path string) (*DB, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// Serialised writers with a busy timeout keep concurrent tile jobs
	// from tripping over SQLITE_BUSY on short contention.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := database.Exec(p); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &DB{database}, nil
}

// MigrationsFS returns the embedded migrations filesystem rooted at the
// migrations directory.
func MigrationsFS() (fs.FS, error) {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return sub, nil
}
