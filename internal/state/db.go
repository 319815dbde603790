// Package state owns the sqlite database: opening, pragmas, and migration.
package state

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// pragmas are passed through the DSN so they apply to every connection in
// the database/sql pool. Applying them with Exec would configure only the
// single connection that happened to run the statement, leaving the rest
// with busy_timeout=0 and instant SQLITE_BUSY failures under concurrency.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"foreign_keys(ON)",
}

func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// DSN builds the connection string for path with the per-connection pragmas
// attached.
func DSN(path string) string {
	params := make(url.Values, 1)
	for _, p := range pragmas {
		params.Add("_pragma", p)
	}
	return path + "?" + params.Encode()
}

func Migrate(db *sql.DB) error {
	statements := strings.Split(schemaSQL, ";")
	for _, raw := range statements {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (statement=%q)", err, stmt)
		}
	}
	return nil
}
