//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/txn2/mcp-sessions/internal/sessiontest"
	"github.com/txn2/mcp-sessions/pkg/session"
)

func TestDriver_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx, "postgres:15",
		tcpostgres.WithDatabase("sessions"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	defer func() { _ = pgContainer.Terminate(ctx) }()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	t.Run("schema missing before migrate", func(t *testing.T) {
		d, err := Open(Config{DSN: connStr})
		require.NoError(t, err)
		defer func() { _ = d.Close() }()

		require.ErrorIs(t, d.EnsureSchema(ctx, false), session.ErrSchemaMissing)
		_, err = d.Read(ctx, "nope", time.Now())
		require.ErrorIs(t, err, session.ErrSchemaMissing)
	})

	// Each conformance case starts from empty tables so sweep counts only
	// see that case's sessions.
	sessiontest.Run(t, func(t *testing.T) session.Driver {
		d, err := Open(Config{DSN: connStr, MaxOpenConns: 16})
		require.NoError(t, err)
		require.NoError(t, d.EnsureSchema(ctx, true))
		_, err = d.DB().ExecContext(ctx, `TRUNCATE sessions, session_events`)
		require.NoError(t, err)
		return d
	})
}
