package sqlitedb

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const privateDirPerm = 0o700

// Open opens (or creates) the SQLite database file name inside dir with the
// pragmas every store in this service relies on. SQLite allows one writer, so
// the pool is pinned to a single connection.
func Open(dir, name string) (*sql.DB, error) {
	dir = filepath.Clean(dir)
	if strings.TrimSpace(dir) == "" || strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("sqlite dir and file name are required")
	}
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	dbPath := filepath.Join(dir, name)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}
