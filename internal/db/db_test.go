// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(tmpDir, FileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.Path != dbPath {
		t.Errorf("Path = %q, want %q", db.Path, dbPath)
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err != nil {
		t.Errorf("Database query failed: %v", err)
	}
	if result != 1 {
		t.Errorf("Expected 1, got %d", result)
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	invalidPath := "/dev/null/invalid_path/that/cannot/be/created"

	if _, err := Open(invalidPath); err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

// TestClose verifies database closing.
func TestClose(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err == nil {
		t.Error("Query on closed database should fail")
	}
}

// TestOpenAndMigrate verifies the embedded schema is applied and is
// idempotent across reopen.
func TestOpenAndMigrate(t *testing.T) {
	tmpDir := t.TempDir()

	db1, err := OpenAndMigrate(tmpDir)
	if err != nil {
		t.Fatalf("OpenAndMigrate() failed: %v", err)
	}

	tables := []string{"field_events", "location_pings", "last_pings", "patrol_sessions",
		"checkpoint_visits", "checkpoint_cache", "checkpoint_sets"}
	for _, table := range tables {
		var name string
		err := db1.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
	db1.Close()

	db2, err := OpenAndMigrate(tmpDir)
	if err != nil {
		t.Fatalf("second OpenAndMigrate() failed: %v", err)
	}
	defer db2.Close()

	var count int
	if err := db2.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Errorf("schema_migrations rows = %d, want 1", count)
	}
}

// TestRollback verifies the newest migration is reverted on disk.
func TestRollback(t *testing.T) {
	tmpDir := t.TempDir()

	database, err := OpenAndMigrate(tmpDir)
	if err != nil {
		t.Fatalf("OpenAndMigrate() failed: %v", err)
	}
	database.Close()

	version, err := Rollback(tmpDir)
	if err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("Rollback() version = %d, want 0", version)
	}

	if _, err := Rollback(tmpDir); err == nil {
		t.Error("Rollback() with nothing applied should fail")
	}
}
