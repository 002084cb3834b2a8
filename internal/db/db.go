// Package db provides database connection management and operations.
package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "aumanager.db"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the schema migrations shipped with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		// The embed pattern guarantees the directory exists.
		panic(err)
	}
	return sub
}

// DB wraps sqlx.DB with the core's SQLite configuration.
type DB struct {
	*sqlx.DB
	path string
}

// Open opens the store database in dataDir and applies pending migrations.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - a single connection, since SQLite allows one writer
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, FileName))
}

// OpenPath opens a database file at path and migrates it.
func OpenPath(path string) (*DB, error) {
	// modernc.org/sqlite is pure Go, so the mobile build needs no C toolchain for it
	conn, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	m := NewMigrator(conn, Migrations())
	if err := m.Initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{DB: conn, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
