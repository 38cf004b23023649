package storage

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/citation-checker/internal/logging"
)

// Migrator applies the Postgres ledger schema from a directory of
// NNNNNN_name.up.sql / .down.sql files.
type Migrator struct {
	databaseURL    string
	migrationsPath string
}

// NewMigrator creates a migrator; nothing is opened until a method runs.
func NewMigrator(databaseURL, migrationsPath string) *Migrator {
	return &Migrator{databaseURL: databaseURL, migrationsPath: migrationsPath}
}

func (m *Migrator) open() (*migrate.Migrate, error) {
	mg, err := migrate.New(fmt.Sprintf("file://%s", m.migrationsPath), m.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return mg, nil
}

func closeMigrate(mg *migrate.Migrate) {
	srcErr, dbErr := mg.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		logging.WithError(err).Warn("Failed to close migrate instance")
	}
}

// Up applies all pending migrations
func (m *Migrator) Up() error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer closeMigrate(mg)

	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Down rolls back the last applied migration
func (m *Migrator) Down() error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer closeMigrate(mg)

	if err := mg.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	return nil
}

// Version returns the current schema version. A fresh database reports 0.
func (m *Migrator) Version() (version uint, dirty bool, err error) {
	mg, err := m.open()
	if err != nil {
		return 0, false, err
	}
	defer closeMigrate(mg)

	version, dirty, err = mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}
