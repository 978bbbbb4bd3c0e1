package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/storage"
)

const (
	alice = "So11111111111111111111111111111111111111112"
	bob   = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

// setupTestRedis starts a Redis container and returns a store on it.
func setupTestRedis(t *testing.T) (*AccountStore, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready to accept connections").WithStartupTimeout(60*time.Second),
				wait.ForListeningPort("6379/tcp"),
			),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := NewClient(ctx, &redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(t, err)

	cleanup := func() {
		client.Close()
		_ = container.Terminate(ctx)
	}
	return NewAccountStore(client, "test"), cleanup
}

func testProfile(owner string) *domain.UserProfile {
	return &domain.UserProfile{Owner: owner, RiskLevel: 2, VaultBump: 253, LastActivity: 1700000000}
}

func testStrategy(owner string, id uint64, auto bool) *domain.StrategyConfig {
	return &domain.StrategyConfig{
		Owner:              owner,
		StrategyID:         id,
		Allocations:        []domain.Allocation{{Protocol: domain.ProtocolMango, Asset: domain.AssetUSDC, TargetWeightBps: 10000}},
		RebalanceCondition: domain.RebalanceCondition{TimeIntervalSeconds: 60, AutoRebalance: auto},
		CreatedAt:          1700000000,
		MaxSlippageBps:     10,
	}
}

func TestAccountStore_ProfileLifecycle(t *testing.T) {
	store, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	p := testProfile(alice)
	require.NoError(t, store.CreateProfile(ctx, p))
	assert.Equal(t, uint64(1), p.Revision)
	assert.ErrorIs(t, store.CreateProfile(ctx, testProfile(alice)), storage.ErrDuplicateKey)

	got, err := store.GetProfile(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	stale := got.Clone()
	got.TotalValueLamports = 42
	require.NoError(t, store.SaveProfile(ctx, got))
	assert.Equal(t, uint64(2), got.Revision)
	assert.ErrorIs(t, store.SaveProfile(ctx, stale), storage.ErrConflict)

	_, err = store.GetProfile(ctx, bob)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	missing := testProfile(bob)
	missing.Revision = 3
	assert.ErrorIs(t, store.SaveProfile(ctx, missing), storage.ErrNotFound)
}

func TestAccountStore_CommitIsAtomic(t *testing.T) {
	store, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	p := testProfile(alice)
	require.NoError(t, store.CreateProfile(ctx, p))
	require.NoError(t, store.Commit(ctx, storage.Changeset{Strategy: testStrategy(alice, 0, false)}))

	// the duplicate strategy fails the commit; the profile update must not land
	p.TotalValueLamports = 900
	err := store.Commit(ctx, storage.Changeset{Profile: p, Strategy: testStrategy(alice, 0, true)})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	got, err := store.GetProfile(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, got.TotalValueLamports)
	assert.Equal(t, uint64(1), got.Revision)
}

func TestAccountStore_Lists(t *testing.T) {
	store, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	for _, owner := range []string{bob, alice} {
		for _, id := range []uint64{11, 2, 0} {
			require.NoError(t, store.Commit(ctx, storage.Changeset{Strategy: testStrategy(owner, id, id != 2)}))
		}
	}

	list, err := store.ListStrategies(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []uint64{0, 2, 11}, []uint64{list[0].StrategyID, list[1].StrategyID, list[2].StrategyID})
	assert.Equal(t, uint64(1), list[0].Revision)

	auto, err := store.ListAutoRebalance(ctx)
	require.NoError(t, err)
	require.Len(t, auto, 4)
	assert.Equal(t, alice, auto[0].Owner)
	assert.Equal(t, uint64(11), auto[1].StrategyID)
	assert.Equal(t, bob, auto[2].Owner)

	// turning auto_rebalance off removes the strategy from the keeper set
	st := auto[0]
	st.RebalanceCondition.AutoRebalance = false
	require.NoError(t, store.Commit(ctx, storage.Changeset{Strategy: st}))
	auto, err = store.ListAutoRebalance(ctx)
	require.NoError(t, err)
	assert.Len(t, auto, 3)
}

func TestAccountStore_ConcurrentCommitsNoLostUpdate(t *testing.T) {
	store, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, store.CreateProfile(ctx, testProfile(alice)))

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p, err := store.GetProfile(ctx, alice)
				if err != nil {
					t.Error(err)
					return
				}
				p.TotalValueLamports += 10
				err = store.SaveProfile(ctx, p)
				if err == nil {
					return
				}
				if err != storage.ErrConflict {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := store.GetProfile(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(workers*10), got.TotalValueLamports)
	assert.Equal(t, uint64(workers+1), got.Revision)
}

func TestAccountStore_InvalidOwnerKey(t *testing.T) {
	store := NewAccountStore(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "")
	err := store.CreateProfile(context.Background(), testProfile("not-base58!"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestFields(t *testing.T) {
	_, _, err := fields([]any{nil, nil})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	data, rev, err := fields([]any{"abc", "7"})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
	assert.Equal(t, uint64(7), rev)

	_, _, err = fields([]any{"abc", "x"})
	assert.Error(t, err)
}
