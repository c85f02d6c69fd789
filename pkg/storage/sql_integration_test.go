//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresStore starts a PostgreSQL container and opens a migrated SQLStore on it
func setupPostgresStore(t *testing.T) (*SQLStore, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("authsync_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := OpenSQLStore(ctx, Config{
		Type:            BackendPostgres,
		PostgresURL:     connStr,
		SQLTable:        "shared_kv",
		SQLCreateSchema: true,
	})
	require.NoError(t, err)

	cleanup := func() {
		store.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	}
	return store, cleanup
}

func TestSQLStore_PostgresIntegration(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()

	now := time.Now()
	store.now = func() time.Time { return now }

	runKeyValueStoreSuite(t, store, func(d time.Duration) { now = now.Add(d) })
}
