package sqlstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies all pending up migrations.
//
// SQLite migrates on db itself so in-memory databases see the schema.
// PostgreSQL migrates on a separate connection opened from dsn, since the
// pgx migrate driver pins a connection until it is closed.
func Migrate(db *sql.DB, d Dialect, dsn string) error {
	src, err := iofs.New(migrations, "migrations/"+string(d))
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	var drv database.Driver
	switch d {
	case SQLite:
		drv, err = sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
		if err != nil {
			return fmt.Errorf("failed to init sqlite migrations: %w", err)
		}
	case Postgres:
		mdb, err := sql.Open("pgx", dsn)
		if err != nil {
			return fmt.Errorf("failed to open migration connection: %w", err)
		}
		defer mdb.Close()
		drv, err = pgxmigrate.WithInstance(mdb, &pgxmigrate.Config{})
		if err != nil {
			return fmt.Errorf("failed to init postgres migrations: %w", err)
		}
		defer drv.Close()
	default:
		return fmt.Errorf("unsupported dialect %q", d)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(d), drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
