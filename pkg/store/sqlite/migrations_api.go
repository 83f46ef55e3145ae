package sqlite

import (
	"fmt"

	"github.com/plaenen/userservice/pkg/store/sqlite/migrate"
)

// RunMigrations applies pending migrations. Only needed when the store
// was opened with WithAutoMigrate(false).
func (s *EventStore) RunMigrations() error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	return runMigrations(s.db)
}

// MigrationVersion returns the highest applied migration version, 0 when
// the schema has never been migrated.
func (s *EventStore) MigrationVersion() (int, error) {
	m := migrate.New(s.db, "schema_migrations")
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return 0, fmt.Errorf("load migrations: %w", err)
	}
	return m.Version()
}
