// Package db opens the per-workspace SQLite store backing the review
// portal. All state lives in a single database file under the workspace's
// .reviewline directory.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".reviewline"
	dbFile   = "reviewline.db"
)

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the workspace state directory if missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// Open opens the workspace database. Foreign keys are enforced and the
// shared cache keeps every connection in the process on one page cache,
// which the engine relies on when it serializes writers. A busy timeout
// covers the brief lock handoffs that remain.
func Open(cfg Config) (*sql.DB, error) {
	dir, err := EnsureWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		filepath.Join(dir, dbFile))
	return sql.Open("sqlite", dsn)
}

// Path returns where Open will put the database for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, dbFile)
}
