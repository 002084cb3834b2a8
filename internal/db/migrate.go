package db

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int       `db:"version"`
	AppliedAt   time.Time `db:"-"`
	Description string    `db:"description"`
	Checksum    string    `db:"checksum"`
}

// Migrator handles database schema migrations read from an fs.FS holding
// V<n>__<description>.up.sql and matching .down.sql files.
type Migrator struct {
	db    *sqlx.DB
	files fs.FS
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sqlx.DB, files fs.FS) *Migrator {
	return &Migrator{
		db:    db,
		files: files,
	}
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
	var version int
	err := m.db.Get(&version, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	var rows []struct {
		Migration
		AppliedAtUnix int64 `db:"applied_at"`
	}
	if err := m.db.Select(&rows, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version"); err != nil {
		return nil, err
	}

	migrations := make([]Migration, 0, len(rows))
	for _, r := range rows {
		mig := r.Migration
		mig.AppliedAt = time.Unix(r.AppliedAtUnix, 0)
		migrations = append(migrations, mig)
	}
	return migrations, nil
}

type migrationFile struct {
	version int
	name    string
}

// upFiles lists up migrations sorted by version.
func (m *Migrator) upFiles() ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		// V1__kv_store.up.sql
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(name, ".up.sql"), "__", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil {
			continue
		}
		files = append(files, migrationFile{version, name})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].version < files[j].version
	})
	return files, nil
}

// Up applies all pending migrations. An applied migration whose file
// content changed is reported instead of silently skipped.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	checksums := make(map[int]string, len(applied))
	for _, mig := range applied {
		checksums[mig.Version] = mig.Checksum
	}

	files, err := m.upFiles()
	if err != nil {
		return err
	}

	for _, f := range files {
		if sum, ok := checksums[f.version]; ok {
			content, err := fs.ReadFile(m.files, f.name)
			if err != nil {
				return fmt.Errorf("failed to read migration file: %w", err)
			}
			if checksum(content) != sum {
				return fmt.Errorf("migration V%d checksum mismatch", f.version)
			}
			continue
		}

		if err := m.applyMigration(f.version, f.name); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", f.version, err)
		}
	}

	return nil
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// applyMigration applies a single migration.
func (m *Migrator) applyMigration(version int, filename string) error {
	content, err := fs.ReadFile(m.files, filename)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	tx, err := m.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	description := strings.TrimSuffix(filename, ".up.sql")
	description = strings.TrimPrefix(description, fmt.Sprintf("V%d__", version))
	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, version, time.Now().Unix(), description, checksum(content)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Down rolls back the last migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	matches, err := fs.Glob(m.files, fmt.Sprintf("V%d__*.down.sql", current))
	if err != nil {
		return fmt.Errorf("failed to search for rollback migration: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("no rollback migration found for version %d", current)
	}

	content, err := fs.ReadFile(m.files, matches[0])
	if err != nil {
		return fmt.Errorf("failed to read rollback migration: %w", err)
	}

	tx, err := m.db.Beginx()
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
