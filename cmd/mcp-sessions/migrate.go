package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/txn2/mcp-sessions/pkg/database/migrate"
	"github.com/txn2/mcp-sessions/pkg/platform"
	"github.com/txn2/mcp-sessions/pkg/session/dynamodb"
	"github.com/txn2/mcp-sessions/pkg/session/postgres"
	"github.com/txn2/mcp-sessions/pkg/session/sqlite"
)

var errNoSchema = errors.New("the memory backend has no schema")

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the session storage schema",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the schema, dropping every stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return migrateDown(cfg.Storage, steps, cmd.OutOrStdout())
		},
	}
	down.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back (0 rolls back all)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Create or upgrade the schema",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(opts, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				return migrateUp(cmd.Context(), cfg.Storage, cmd.OutOrStdout())
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(opts, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				return migrateVersion(cfg.Storage, cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

// openSQL opens the database behind a SQL backend. The returned close
// function releases it.
func openSQL(cfg platform.StorageConfig) (*sql.DB, migrate.Dialect, func() error, error) {
	switch cfg.Backend {
	case platform.BackendRelational:
		d, err := postgres.Open(postgres.Config{DSN: cfg.ConnectionTarget, MaxOpenConns: cfg.MaxOpenConns})
		if err != nil {
			return nil, "", nil, fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
		}
		return d.DB(), migrate.Postgres, d.Close, nil
	case platform.BackendEmbeddedFile:
		d, err := sqlite.Open(sqlite.Config{Path: cfg.ConnectionTarget, BusyTimeout: cfg.BusyTimeout})
		if err != nil {
			return nil, "", nil, fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
		}
		return d.DB(), migrate.SQLite, d.Close, nil
	case platform.BackendMemory:
		return nil, "", nil, errNoSchema
	default:
		return nil, "", nil, fmt.Errorf("migrations are not versioned for the %s backend", cfg.Backend)
	}
}

func migrateUp(ctx context.Context, cfg platform.StorageConfig, out io.Writer) error {
	if cfg.Backend == platform.BackendManagedKV {
		return ensureTable(ctx, cfg, out)
	}

	db, dialect, closeDB, err := openSQL(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeDB() }()

	if err := migrate.Run(db, dialect); err != nil {
		return err
	}
	return printVersion(db, dialect, out)
}

// ensureTable creates the managed-kv table and enables its TTL attribute.
func ensureTable(ctx context.Context, cfg platform.StorageConfig, out io.Writer) error {
	d, err := platform.OpenDriver(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if err := platform.PrepareSchema(ctx, d, true); err != nil {
		return err
	}
	table := cfg.ConnectionTarget
	if kv, ok := d.(*dynamodb.Driver); ok {
		table = kv.Table()
	}
	fmt.Fprintf(out, "table %s is ready\n", table)
	return nil
}

func migrateDown(cfg platform.StorageConfig, steps int, out io.Writer) error {
	if steps < 0 {
		return fmt.Errorf("--steps must not be negative, got %d", steps)
	}
	db, dialect, closeDB, err := openSQL(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeDB() }()

	if steps > 0 {
		if err := migrate.Steps(db, dialect, -steps); err != nil {
			return err
		}
		return printVersion(db, dialect, out)
	}

	if err := migrate.Down(db, dialect); err != nil {
		return err
	}
	fmt.Fprintln(out, "schema removed")
	return nil
}

func migrateVersion(cfg platform.StorageConfig, out io.Writer) error {
	db, dialect, closeDB, err := openSQL(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeDB() }()

	return printVersion(db, dialect, out)
}

func printVersion(db *sql.DB, dialect migrate.Dialect, out io.Writer) error {
	latest, err := migrate.Latest(dialect)
	if err != nil {
		return err
	}

	version, dirty, err := migrate.Version(db, dialect)
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Fprintf(out, "no migrations applied (latest %d)\n", latest)
		return nil
	case err != nil:
		return err
	case dirty:
		fmt.Fprintf(out, "version %d (dirty, latest %d)\n", version, latest)
	default:
		fmt.Fprintf(out, "version %d (latest %d)\n", version, latest)
	}
	return nil
}
