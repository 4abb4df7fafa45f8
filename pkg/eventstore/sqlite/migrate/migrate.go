// Package migrate runs embedded, versioned SQL migrations. Files follow the
// naming convention 000001_name.up.sql / 000001_name.down.sql.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Migration is a single versioned schema change.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrator applies migrations and records them in a tracking table.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	tableName  string
}

// New creates a migrator tracking applied versions in tableName.
func New(db *sql.DB, tableName string) *Migrator {
	return &Migrator{db: db, tableName: tableName}
}

// LoadFromFS loads migrations from an embedded filesystem directory.
func (m *Migrator) LoadFromFS(fsys embed.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read migration directory: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) != 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		content, err := fs.ReadFile(fsys, filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		migration, ok := byVersion[version]
		if !ok {
			migration = &Migration{Version: version}
			byVersion[version] = migration
		}
		switch {
		case strings.HasSuffix(parts[1], ".up.sql"):
			migration.Name = strings.TrimSuffix(parts[1], ".up.sql")
			migration.Up = string(content)
		case strings.HasSuffix(parts[1], ".down.sql"):
			migration.Down = string(content)
		}
	}

	for _, migration := range byVersion {
		m.migrations = append(m.migrations, *migration)
	}
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
	return nil
}

func (m *Migrator) ensureTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`, m.tableName)
	if _, err := m.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", m.tableName, err)
	}
	return nil
}

func (m *Migrator) appliedVersions() (map[int]bool, error) {
	rows, err := m.db.Query(fmt.Sprintf("SELECT version FROM %s", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Up applies all pending migrations in version order, each in its own
// transaction.
func (m *Migrator) Up() error {
	if err := m.ensureTable(); err != nil {
		return err
	}
	applied, err := m.appliedVersions()
	if err != nil {
		return err
	}

	for _, migration := range m.migrations {
		if applied[migration.Version] {
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", migration.Version, err)
		}
		if _, err := tx.Exec(migration.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}
		if _, err := tx.Exec(
			fmt.Sprintf("INSERT INTO %s (version, name, applied_at) VALUES (?, ?, ?)", m.tableName),
			migration.Version, migration.Name, time.Now().Unix(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}
	return nil
}
