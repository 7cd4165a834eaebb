// Package db keeps the session catalog, a sqlite index of the sessions
// termtrace has recorded or received. The session logs themselves stay
// on disk; the catalog only remembers where they are and how they ended.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// A save and a receive session may run side by side and both write the
// same catalog when they start and finish.
var pragmas = []string{
	`PRAGMA busy_timeout = 5000`,
	`PRAGMA journal_mode = WAL`,
}

// DB is an open catalog file.
type DB struct {
	conn *sql.DB
}

// Open opens the catalog at path, creating the file and its directory on
// first use and bringing the schema up to date.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("catalog path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %q: %w", path, err)
	}
	// Catalog writes are two statements per session; one connection keeps
	// sqlite locking out of the picture within a process.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := prepare(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("catalog %q: %w", path, err)
	}
	return &DB{conn: conn}, nil
}

func prepare(ctx context.Context, conn *sql.DB) error {
	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return RunMigrations(ctx, conn)
}

// SQL exposes the underlying handle for tests and migrations.
func (d *DB) SQL() *sql.DB {
	return d.conn
}

// Sessions returns a repository over this catalog.
func (d *DB) Sessions() *CatalogRepo {
	return NewCatalogRepo(d.conn)
}

func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
