package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database owns the SQLite handle shared by every user's stores.
type Database struct {
	DB *sql.DB
}

// New opens the SQLite file at path, creating its directory when needed.
// ":memory:" opens a private in-memory database.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if !isMemory(path) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer, and an in-memory database
	// exists only on the connection that created it.
	handle.SetMaxOpenConns(1)
	handle.SetConnMaxLifetime(0)
	if !isMemory(path) {
		handle.SetConnMaxIdleTime(time.Hour)
	}

	return &Database{DB: handle}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Ping checks the handle is usable.
func (d *Database) Ping(ctx context.Context) error {
	if d == nil || d.DB == nil {
		return errors.New("database is not initialized")
	}
	return d.DB.PingContext(ctx)
}

// Close releases the underlying handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

// Queries returns the user-scoped query set bound to this handle.
func (d *Database) Queries() *UserQueries {
	return NewUserQueries(d.DB)
}
