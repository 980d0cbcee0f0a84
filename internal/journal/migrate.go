package journal

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/journal/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	From    uint
	Version uint
	Dirty   bool
	Changed bool
}

func (j *Journal) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(j.db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

// Migrate brings the journal schema up to date. A dirty schema is refused.
func (j *Journal) Migrate() (MigrateResult, error) {
	m, err := j.migrator()
	if err != nil {
		return MigrateResult{}, err
	}

	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		from = 0
	case err != nil:
		return MigrateResult{}, fmt.Errorf("migration version: %w", err)
	case dirty:
		return MigrateResult{From: from, Version: from, Dirty: true}, fmt.Errorf("journal schema is dirty at version %d", from)
	}

	changed := true
	if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
		changed = false
	} else if err != nil {
		return MigrateResult{}, fmt.Errorf("migration up: %w", err)
	}

	version, dirty, _ := m.Version()
	return MigrateResult{From: from, Version: version, Dirty: dirty, Changed: changed}, nil
}
