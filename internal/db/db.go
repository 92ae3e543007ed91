// Package db provides database connection management and operations.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "taskdeck.db"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// DB wraps the sql.DB with taskdeck-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the device-local SQLite database.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - a single connection, since SQLite supports one writer
// - foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return openDSN(filepath.Join(dataDir, FileName))
}

// OpenMemory opens a private in-memory database, used by tests and ephemeral sessions.
func OpenMemory() (*DB, error) {
	return openDSN(":memory:")
}

func openDSN(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

// Migrate applies all pending embedded migrations.
func (db *DB) Migrate() error {
	m := NewMigrator(db.DB, Migrations())
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return m.Up()
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
