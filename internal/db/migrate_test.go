// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER);")},
		"V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
		"README.md":             {Data: []byte("not a migration")},
		"Vx__broken.up.sql":     {Data: []byte("garbage")},
	}
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("schema_migrations insert failed: %v", err)
	}
}

// TestUp verifies migrations are applied in version order and recorded.
func TestUp(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Description != "create_a" {
		t.Errorf("Description = %q, want create_a", applied[0].Description)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("Checksum length = %d, want 64", len(applied[0].Checksum))
	}
}

// TestDown verifies the last migration is rolled back.
func TestDown(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	version, _ := m.CurrentVersion()
	if version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}

	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='b'").Scan(&name)
	if err != sql.ErrNoRows {
		t.Errorf("table b should be dropped, got err = %v", err)
	}
}

// TestDown_noMigrations verifies rollback on an empty schema fails.
func TestDown_noMigrations(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Down(); err == nil {
		t.Error("Down() on empty schema should fail")
	}
}

// TestEmbeddedMigrations verifies the shipped migrations are discoverable.
func TestEmbeddedMigrations(t *testing.T) {
	m := NewMigrator(nil, Migrations())

	files, err := m.upFiles()
	if err != nil {
		t.Fatalf("upFiles() error = %v", err)
	}
	if len(files) == 0 || files[0].version != 1 {
		t.Errorf("upFiles() = %v, want V1 first", files)
	}
}
