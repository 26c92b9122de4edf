package store

import (
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/archnetwork/arch-indexer/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending migration against dsn. It is idempotent:
// running it against an already-migrated database is a no-op.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return model.Wrap(model.ErrConfigStartup, "open migrations source", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return model.Wrap(model.ErrConfigStartup, "init migrator", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return model.Wrap(model.ErrConfigStartup, "apply migrations", err)
	}
	return nil
}

// ResetDB drops every indexer-owned table. Only invoked by the dedicated
// reset subcommand, never on a normal boot.
func ResetDB(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return model.Wrap(model.ErrConfigStartup, "open migrations source", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return model.Wrap(model.ErrConfigStartup, "init migrator", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return model.Wrap(model.ErrConfigStartup, "reset db", err)
	}
	return nil
}
