// Package migrate applies embedded SQL migrations in version order,
// tracking applied versions in a ledger table. Each migration runs in
// its own transaction.
package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Migration is one versioned schema change. Files are paired as
// NNNNNN_name.up.sql and NNNNNN_name.down.sql.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrator applies migrations against one database.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	tableName  string
}

// New creates a migrator tracking applied versions in tableName.
func New(db *sql.DB, tableName string) *Migrator {
	return &Migrator{db: db, tableName: tableName}
}

// LoadFromFS reads migration files from dir in fsys. Files that do not
// match the NNNNNN_name.{up,down}.sql pattern are ignored.
func (m *Migrator) LoadFromFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read migration directory: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, up, ok := parseFilename(entry.Name())
		if !ok {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		migration := byVersion[version]
		if migration == nil {
			migration = &Migration{Version: version}
			byVersion[version] = migration
		}
		if up {
			migration.Name = name
			migration.Up = string(content)
		} else {
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

// parseFilename splits NNNNNN_name.up.sql into its parts.
func parseFilename(filename string) (version int, name string, up bool, ok bool) {
	prefix, rest, found := strings.Cut(filename, "_")
	if !found {
		return 0, "", false, false
	}
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, "", false, false
	}
	switch {
	case strings.HasSuffix(rest, ".up.sql"):
		return version, strings.TrimSuffix(rest, ".up.sql"), true, true
	case strings.HasSuffix(rest, ".down.sql"):
		return version, strings.TrimSuffix(rest, ".down.sql"), false, true
	default:
		return 0, "", false, false
	}
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	if err := m.ensureLedger(); err != nil {
		return err
	}

	current, err := m.currentVersion()
	if err != nil {
		return fmt.Errorf("current migration version: %w", err)
	}

	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}
		if err := m.apply(migration); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down() error {
	if err := m.ensureLedger(); err != nil {
		return err
	}

	current, err := m.currentVersion()
	if err != nil {
		return fmt.Errorf("current migration version: %w", err)
	}
	if current == 0 {
		return fmt.Errorf("no migrations to roll back")
	}

	var target *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == current {
			target = &m.migrations[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("migration %d not found", current)
	}
	if target.Down == "" {
		return fmt.Errorf("migration %d has no down script", current)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(target.Down); err != nil {
		return fmt.Errorf("execute down script: %w", err)
	}
	if _, err := tx.Exec(
		fmt.Sprintf("DELETE FROM %s WHERE version = ?", m.tableName), current,
	); err != nil {
		return fmt.Errorf("remove ledger entry: %w", err)
	}
	return tx.Commit()
}

// Version returns the highest applied migration version, 0 when none.
func (m *Migrator) Version() (int, error) {
	if err := m.ensureLedger(); err != nil {
		return 0, err
	}
	return m.currentVersion()
}

func (m *Migrator) apply(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.Up); err != nil {
		return fmt.Errorf("execute up script: %w", err)
	}
	if _, err := tx.Exec(
		fmt.Sprintf("INSERT INTO %s (version, name, applied_at) VALUES (?, ?, ?)", m.tableName),
		migration.Version, migration.Name, time.Now().UTC().UnixMicro(),
	); err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	return tx.Commit()
}

func (m *Migrator) ensureLedger() error {
	_, err := m.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`, m.tableName))
	if err != nil {
		return fmt.Errorf("create ledger table %s: %w", m.tableName, err)
	}
	return nil
}

func (m *Migrator) currentVersion() (int, error) {
	var version int
	err := m.db.QueryRow(
		fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", m.tableName),
	).Scan(&version)
	return version, err
}
