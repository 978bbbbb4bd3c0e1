package clickhouse_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	chstore "github.com/Erio-Harrison/defi-tools/internal/storage/clickhouse"
	"github.com/Erio-Harrison/defi-tools/internal/storage/migrations"
)

// newTestStore starts ClickHouse and lets the migrations create the
// activity database. The container is removed when the test ends.
func newTestStore(t *testing.T) *chstore.ActivityStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.3-alpine",
			ExposedPorts: []string{"9000/tcp"},
			Env:          map[string]string{"CLICKHOUSE_SKIP_USER_SETUP": "1"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready for connections").WithStartupTimeout(90*time.Second),
				wait.ForListeningPort("9000/tcp"),
			),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	dsn := fmt.Sprintf("clickhouse://default@%s:%s/activity_test", host, port.Port())
	conn, err := migrations.RunClickhouseMigrations(ctx, dsn, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// reopening finds the schema recorded and applies nothing
	conn, err = migrations.RunClickhouseMigrations(ctx, dsn, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Equal(t, "activity_test", conn.Database())

	return chstore.NewActivityStore(conn)
}

func ptr[T any](v T) *T {
	return &v
}
