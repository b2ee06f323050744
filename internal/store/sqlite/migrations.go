package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"hpcflow/internal/workflow"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate runs all pending database migrations.
// It uses embedded SQL files from the migrations/ directory.
func Migrate(db *sql.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	// m.Close would close db, which the store keeps using.
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// syncEnums writes the code ↔ name mapping of every process type and status into the
// enumeration tables so the database is readable without this binary.
func syncEnums(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range workflow.AllProcessTypes {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO proc_type_enum (id, proc_type) VALUES (?, ?)`, int(p), p.String()); err != nil {
			return fmt.Errorf("failed to sync proc_type_enum: %w", err)
		}
	}
	for _, s := range workflow.AllStatuses {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO status_enum (id, state) VALUES (?, ?)`, int(s), s.String()); err != nil {
			return fmt.Errorf("failed to sync status_enum: %w", err)
		}
	}
	return tx.Commit()
}
