// Package migrate provides database migration support using golang-migrate.
// Migrations are embedded per SQL dialect and applied with a dedicated
// migrations table so the session schema can share a database with other
// applications.
package migrate

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationsTable records the applied version.
const MigrationsTable = "mcp_sessions_schema_migrations"

// Dialect selects the migration set.
type Dialect string

// Supported dialects.
const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

var versionRe = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

// migrator is the subset of *migrate.Migrate used here.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
}

// migratorFactory builds a migrator; tests replace it.
var migratorFactory = newMigrator

func newMigrator(db *sql.DB, dialect Dialect) (migrator, error) {
	var (
		driver database.Driver
		err    error
	)
	switch dialect {
	case Postgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	case SQLite:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: MigrationsTable})
	default:
		return nil, fmt.Errorf("unsupported migration dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s driver: %w", dialect, err)
	}

	source, err := iofs.New(migrations, dir(dialect))
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(dialect), driver)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}

func dir(dialect Dialect) string {
	return path.Join("migrations", string(dialect))
}

// Run executes all pending migrations for dialect.
// It applies migrations in order and is idempotent - already applied migrations are skipped.
func Run(db *sql.DB, dialect Dialect) error {
	m, err := migratorFactory(db, dialect)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("getting migration version: %w", err)
	}

	if dirty {
		slog.Warn("database migration state is dirty", "dialect", dialect, "version", version)
	} else {
		slog.Info("database migrations complete", "dialect", dialect, "version", version)
	}

	return nil
}

// Version returns the current migration version.
func Version(db *sql.DB, dialect Dialect) (uint, bool, error) {
	m, err := migratorFactory(db, dialect)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if err != nil {
		return 0, false, fmt.Errorf("getting migration version: %w", err)
	}
	return version, dirty, nil
}

// Down rolls back all migrations.
// Use with caution - this will destroy all session data.
func Down(db *sql.DB, dialect Dialect) error {
	m, err := migratorFactory(db, dialect)
	if err != nil {
		return err
	}

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migrations: %w", err)
	}

	return nil
}

// Steps applies n migrations (positive = up, negative = down).
func Steps(db *sql.DB, dialect Dialect, n int) error {
	m, err := migratorFactory(db, dialect)
	if err != nil {
		return err
	}

	if err := m.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("stepping migrations: %w", err)
	}

	return nil
}

// Latest returns the highest embedded migration version for dialect.
func Latest(dialect Dialect) (uint, error) {
	entries, err := fs.ReadDir(migrations, dir(dialect))
	if err != nil {
		return 0, fmt.Errorf("reading %s migrations: %w", dialect, err)
	}
	var latest uint
	for _, e := range entries {
		m := versionRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing migration version %q: %w", e.Name(), err)
		}
		latest = max(latest, uint(v))
	}
	return latest, nil
}

// ErrNilVersion is returned by Version when no migration has been applied.
var ErrNilVersion = migrate.ErrNilVersion
