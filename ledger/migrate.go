package ledger

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

//go:embed migrations/mysql/*.sql
var mysqlFS embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

// Migrator runs the versioned ledger schema migrations.
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator builds a migrator for the given dialect ("postgres", "mysql"
// or "sqlite") on an open database handle.
func NewMigrator(db *sql.DB, dialect string) (*Migrator, error) {
	var (
		sub    fs.FS
		driver migratedb.Driver
		err    error
	)

	switch dialect {
	case "postgres":
		sub, err = fs.Sub(postgresFS, "migrations/postgres")
		if err == nil {
			driver, err = postgres.WithInstance(db, &postgres.Config{})
		}
	case "mysql":
		sub, err = fs.Sub(mysqlFS, "migrations/mysql")
		if err == nil {
			driver, err = mysql.WithInstance(db, &mysql.Config{})
		}
	case "sqlite":
		sub, err = fs.Sub(sqliteFS, "migrations/sqlite")
		if err == nil {
			driver, err = sqlite.WithInstance(db, &sqlite.Config{})
		}
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("prepare migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations. An already-current schema is not an
// error.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func (mg *Migrator) Down() error {
	if err := mg.m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migration: %w", err)
	}
	return nil
}

// Reset rolls back every migration.
func (mg *Migrator) Reset() error {
	if err := mg.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("reset migrations: %w", err)
	}
	return nil
}

// Version reports the current schema version and whether it is dirty.
// A fresh database reports version 0.
func (mg *Migrator) Version() (uint, bool, error) {
	version, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Goto migrates up or down to the given version.
func (mg *Migrator) Goto(version uint) error {
	if err := mg.m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate to version %d: %w", version, err)
	}
	return nil
}

// Force overwrites the recorded version without running migrations. Only
// for repairing a dirty state.
func (mg *Migrator) Force(version int) error {
	return mg.m.Force(version)
}

// Migrate applies the full ledger schema for the given dialect. Idempotent.
func Migrate(db *sql.DB, dialect string) error {
	mg, err := NewMigrator(db, dialect)
	if err != nil {
		return err
	}
	return mg.Up()
}
