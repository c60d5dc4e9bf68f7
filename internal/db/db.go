// Package db provides database connection management and operations.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "storyforge.db"

// DB wraps the sql.DB with Storyforge-specific configuration.
type DB struct {
	*sql.DB
	Path string
}

// Open opens the SQLite database in dataDir.
// The database is opened with:
// - WAL mode so UI reads are not blocked by sync writes
// - a single connection, SQLite supports only one writer
// - foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenFile(filepath.Join(dataDir, FileName))
}

// OpenFile opens a database at an explicit path (":memory:" is allowed).
func OpenFile(path string) (*DB, error) {
	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{DB: db, Path: path}, nil
}

// OpenMigrated opens the database in dataDir and applies all embedded migrations.
func OpenMigrated(dataDir string) (*DB, error) {
	database, err := Open(dataDir)
	if err != nil {
		return nil, err
	}
	if err := NewMigrator(database.DB, nil).Up(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
