package db

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

var migrateMu sync.Mutex

func openMigrate(sourceURL, databaseURL string) (*migrate.Migrate, error) {
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations %s: %w", sourceURL, err)
	}
	return m, nil
}

// forceTarget is the version below version in sourceURL, or -1 (no version)
// when version is the first migration.
func forceTarget(sourceURL string, version uint) (int, error) {
	drv, err := source.Open(sourceURL)
	if err != nil {
		return 0, fmt.Errorf("failed to open migrations %s: %w", sourceURL, err)
	}
	defer drv.Close()

	prev, err := drv.Prev(version)
	if errors.Is(err, os.ErrNotExist) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find migration before %d: %w", version, err)
	}
	return int(prev), nil
}

// Migrate applies every pending migration from sourceURL, e.g.
// "file://migrations". A dirty schema is forced back to the previous
// migration and migrated again.
func Migrate(sourceURL, databaseURL string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	migrateMu.Lock()
	defer migrateMu.Unlock()

	m, err := openMigrate(sourceURL, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		target, err := forceTarget(sourceURL, version)
		if err != nil {
			return err
		}
		log.Warn("schema is dirty, forcing previous version", zap.Uint("version", version), zap.Int("target", target))
		if err := m.Force(target); err != nil {
			return fmt.Errorf("failed to force schema version: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	version, _, _ = m.Version()
	log.Info("migration done", zap.Uint("version", version))
	return nil
}

// Rollback reverts the last steps migrations.
func Rollback(sourceURL, databaseURL string, steps int) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	m, err := openMigrate(sourceURL, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back %d migrations: %w", steps, err)
	}
	return nil
}

// SchemaVersion reports the applied version and whether it is dirty.
func SchemaVersion(sourceURL, databaseURL string) (uint, bool, error) {
	m, err := openMigrate(sourceURL, databaseURL)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
