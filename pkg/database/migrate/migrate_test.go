//go:build integration

package migrate

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMigrations_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:15",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
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

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	tableExists := func(t *testing.T, table string) bool {
		t.Helper()
		var exists bool
		err := db.QueryRow(`
			SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		require.NoError(t, err)
		return exists
	}

	t.Run("Run applies migrations", func(t *testing.T) {
		require.NoError(t, Run(db, Postgres))
		require.True(t, tableExists(t, "sessions"), "sessions table should exist")
		require.True(t, tableExists(t, "session_events"), "session_events table should exist")
	})

	t.Run("Version returns current version", func(t *testing.T) {
		version, dirty, err := Version(db, Postgres)
		require.NoError(t, err)
		require.False(t, dirty)
		require.Equal(t, uint(2), version)
	})

	t.Run("Run is idempotent", func(t *testing.T) {
		require.NoError(t, Run(db, Postgres))

		version, dirty, err := Version(db, Postgres)
		require.NoError(t, err)
		require.False(t, dirty)
		require.Equal(t, uint(2), version)
	})

	t.Run("Down rolls back migrations", func(t *testing.T) {
		require.NoError(t, Down(db, Postgres))
		require.False(t, tableExists(t, "sessions"), "sessions table should not exist after down")
	})

	t.Run("Steps applies n migrations", func(t *testing.T) {
		require.NoError(t, Steps(db, Postgres, 1))

		version, _, err := Version(db, Postgres)
		require.NoError(t, err)
		require.Equal(t, uint(1), version)

		require.NoError(t, Steps(db, Postgres, 1))

		version, _, err = Version(db, Postgres)
		require.NoError(t, err)
		require.Equal(t, uint(2), version)
	})
}
