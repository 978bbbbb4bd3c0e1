package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/Erio-Harrison/defi-tools/internal/storage/migrations"
	pgstore "github.com/Erio-Harrison/defi-tools/internal/storage/postgres"
)

// newTestStore starts PostgreSQL, applies the embedded schema and returns a
// store on it. The container is removed when the test ends.
func newTestStore(t *testing.T) *pgstore.AccountStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("ledger"),
		tcpostgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{DSN: dsn, MaxConns: 8, ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migrations.RunPostgresMigrations(ctx, pool, zaptest.NewLogger(t)))
	// second run finds everything recorded
	require.NoError(t, migrations.RunPostgresMigrations(ctx, pool, zaptest.NewLogger(t)))

	return pgstore.NewAccountStore(pool)
}
