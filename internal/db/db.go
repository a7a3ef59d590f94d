package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dirName       = ".tripdesk"
	defaultDBName = "tripdesk.db"
	// The API and the decision relay write and poll the same file.
	busyTimeoutMS = 5000
)

type Config struct {
	Workspace string
	// File overrides the database file name inside the workspace directory.
	File string
}

func (c Config) path() string {
	workspace := c.Workspace
	if workspace == "" {
		workspace = "."
	}
	name := c.File
	if name == "" {
		name = defaultDBName
	}
	return filepath.Join(workspace, dirName, name)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Open opens the workspace SQLite database with foreign keys and a busy timeout.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("cache", "shared")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	dsn := "file:" + cfg.path() + "?" + q.Encode()
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.path(), err)
	}
	return conn, nil
}

// Path returns the default database path for the workspace.
func Path(workspace string) string {
	return Config{Workspace: workspace}.path()
}
