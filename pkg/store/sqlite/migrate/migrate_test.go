package migrate_test

import (
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/plaenen/userservice/pkg/store/sqlite/migrate"
	_ "modernc.org/sqlite"
)

var testMigrations = fstest.MapFS{
	"migrations/000001_create_widget.up.sql": &fstest.MapFile{
		Data: []byte(`CREATE TABLE widget (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`),
	},
	"migrations/000001_create_widget.down.sql": &fstest.MapFile{
		Data: []byte(`DROP TABLE widget;`),
	},
	"migrations/000002_add_widget_color.up.sql": &fstest.MapFile{
		Data: []byte(`ALTER TABLE widget ADD COLUMN color TEXT NOT NULL DEFAULT '';`),
	},
	"migrations/000002_add_widget_color.down.sql": &fstest.MapFile{
		Data: []byte(`ALTER TABLE widget DROP COLUMN color;`),
	},
	"migrations/README.md": &fstest.MapFile{
		Data: []byte(`ignored`),
	},
}

func openMigrator(t *testing.T) (*sql.DB, *migrate.Migrator) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	m := migrate.New(db, "schema_migrations")
	if err := m.LoadFromFS(testMigrations, "migrations"); err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	return db, m
}

func TestUpAppliesAllPending(t *testing.T) {
	db, m := openMigrator(t)

	version, err := m.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 0 {
		t.Errorf("version = %d, want 0 before migrating", version)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("up: %v", err)
	}

	version, err = m.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}

	// Both migrations took effect: the table exists with the added column.
	if _, err := db.Exec(`INSERT INTO widget (name, color) VALUES ('gear', 'red')`); err != nil {
		t.Fatalf("insert into migrated table: %v", err)
	}
}

func TestUpIsIdempotent(t *testing.T) {
	_, m := openMigrator(t)

	if err := m.Up(); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second up: %v", err)
	}

	version, err := m.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, m := openMigrator(t)

	if err := m.Up(); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("down: %v", err)
	}

	version, err := m.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1 after one rollback", version)
	}

	// The color column from migration 2 is gone, the table remains.
	if _, err := db.Exec(`INSERT INTO widget (name, color) VALUES ('gear', 'red')`); err == nil {
		t.Error("expected insert with dropped column to fail")
	}
	if _, err := db.Exec(`INSERT INTO widget (name) VALUES ('gear')`); err != nil {
		t.Fatalf("insert after rollback: %v", err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("down to zero: %v", err)
	}
	if err := m.Down(); err == nil {
		t.Error("expected error rolling back past the first migration")
	}
}
