package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/userservice/pkg/store/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations brings the schema up to date.
func runMigrations(db *sql.DB) error {
	m := migrate.New(db, "schema_migrations")

	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
