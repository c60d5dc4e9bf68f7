package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the schema migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migration represents an applied database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

type migrationFile struct {
	version     int
	name        string
	description string
}

// Migrator applies V<n>__<name>.up.sql / .down.sql files from a filesystem.
type Migrator struct {
	db    *sql.DB
	files fs.FS
}

// NewMigrator creates a Migrator. A nil files uses the embedded migrations.
func NewMigrator(db *sql.DB, files fs.FS) *Migrator {
	if files == nil {
		files = Migrations()
	}
	return &Migrator{db: db, files: files}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	if err := m.Initialize(); err != nil {
		return 0, err
	}
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations ordered by version.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// Up applies all pending migrations. An applied migration whose file
// content changed since it ran is reported as an error.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedByVersion := make(map[int]Migration, len(applied))
	for _, mig := range applied {
		appliedByVersion[mig.Version] = mig
	}

	files, err := m.list(".up.sql")
	if err != nil {
		return err
	}

	for _, mf := range files {
		content, err := fs.ReadFile(m.files, mf.name)
		if err != nil {
			return fmt.Errorf("failed to read migration file: %w", err)
		}
		if prev, ok := appliedByVersion[mf.version]; ok {
			if prev.Checksum != checksum(content) {
				return fmt.Errorf("migration V%d was modified after it was applied", mf.version)
			}
			continue
		}
		if err := m.apply(mf, content); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", mf.version, err)
		}
	}

	return nil
}

func (m *Migrator) apply(mf migrationFile, content []byte) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, mf.version, time.Now().Unix(), mf.description, checksum(content)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Down rolls back the last applied migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	files, err := m.list(".down.sql")
	if err != nil {
		return err
	}
	var target *migrationFile
	for i := range files {
		if files[i].version == current {
			target = &files[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no rollback migration found for version %d", current)
	}

	content, err := fs.ReadFile(m.files, target.name)
	if err != nil {
		return fmt.Errorf("failed to read rollback migration: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}

// list returns migration files with the given suffix sorted by version.
func (m *Migrator) list(suffix string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var out []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		// V1__sync_core.up.sql
		parts := strings.SplitN(strings.TrimSuffix(name, suffix), "__", 2)
		if len(parts) < 2 || parts[1] == "" {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil || version <= 0 {
			continue
		}
		out = append(out, migrationFile{version: version, name: path.Clean(name), description: parts[1]})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
