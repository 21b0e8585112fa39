package relational

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"database/sql"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// applyMigrations runs every embedded migration against db using the
// given schema as the migrate tool's bookkeeping schema too, so
// per-tenant schema isolation keeps each tenant's migration history
// separate.
func applyMigrations(db *sql.DB, schema string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{
		SchemaName:      schema,
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("relational: migration driver: %w", err)
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("relational: migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("relational: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("relational: migrate up: %w", err)
	}
	return nil
}
