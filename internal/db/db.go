// Package db provides the on-device SQLite store backing the durable queue
// and the local patrol state.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "patrol.db"

// DB wraps the sql.DB with the agent's SQLite configuration.
type DB struct {
	*sql.DB
	Path string
}

// Open opens the SQLite database in dataDir.
// The database is opened with:
// - WAL mode so sync passes can read while the UI path writes
// - synchronous=FULL so an acknowledged enqueue survives power loss
// - Foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", p, err)
		}
	}

	return &DB{DB: db, Path: dbPath}, nil
}

// OpenAndMigrate opens the database and applies all embedded migrations.
func OpenAndMigrate(dataDir string) (*DB, error) {
	database, err := Open(dataDir)
	if err != nil {
		return nil, err
	}
	m := NewMigrator(database.DB, Migrations)
	if err := m.Initialize(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// Rollback reverts the newest applied migration in dataDir and returns the
// schema version left behind.
func Rollback(dataDir string) (int, error) {
	database, err := Open(dataDir)
	if err != nil {
		return 0, err
	}
	defer database.Close()

	m := NewMigrator(database.DB, Migrations)
	if err := m.Initialize(); err != nil {
		return 0, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Down(); err != nil {
		return 0, err
	}
	return m.CurrentVersion()
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
