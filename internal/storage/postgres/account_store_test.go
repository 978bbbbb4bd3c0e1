package postgres_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/storage"
)

func testProfile(owner string) *domain.UserProfile {
	return &domain.UserProfile{
		Owner:        owner,
		RiskLevel:    3,
		VaultBump:    254,
		LastActivity: 1700000000,
	}
}

func testStrategy(owner string, id uint64, auto bool) *domain.StrategyConfig {
	return &domain.StrategyConfig{
		Owner:      owner,
		StrategyID: id,
		Allocations: []domain.Allocation{
			{Protocol: domain.ProtocolRaydium, Asset: domain.AssetSOL, TargetWeightBps: 7000},
			{Protocol: domain.ProtocolOrca, Asset: domain.AssetUSDT, TargetWeightBps: 3000},
		},
		RebalanceCondition: domain.RebalanceCondition{TimeIntervalSeconds: 3600, MaxDeviationBps: 200, AutoRebalance: auto},
		CreatedAt:          1700000000,
		MaxSlippageBps:     75,
	}
}

func TestAccountStore_CreateAndGetProfile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := testProfile("alice")
	p.TotalValueLamports = math.MaxUint64
	require.NoError(t, store.CreateProfile(ctx, p))
	assert.Equal(t, uint64(1), p.Revision)

	got, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, p, got, "u64 extremes survive the BIGINT round trip")

	err = store.CreateProfile(ctx, testProfile("alice"))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	_, err = store.GetProfile(ctx, "bob")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAccountStore_SaveProfileConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateProfile(ctx, testProfile("alice")))

	first, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	second, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)

	first.TotalValueLamports = 100
	require.NoError(t, store.SaveProfile(ctx, first))
	assert.Equal(t, uint64(2), first.Revision)

	second.TotalValueLamports = 200
	assert.ErrorIs(t, store.SaveProfile(ctx, second), storage.ErrConflict)

	got, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got.TotalValueLamports)

	missing := testProfile("carol")
	missing.Revision = 1
	assert.ErrorIs(t, store.SaveProfile(ctx, missing), storage.ErrNotFound)
}

func TestAccountStore_CommitProfileAndStrategy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateProfile(ctx, testProfile("alice")))

	p, err := store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	st := testStrategy("alice", p.StrategyCounter, true)
	p.StrategyCounter++

	require.NoError(t, store.Commit(ctx, storage.Changeset{Profile: p, Strategy: st}))
	assert.Equal(t, uint64(1), st.Revision)

	got, err := store.GetStrategy(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, st, got)

	// update with a stale profile rolls back the strategy write too
	stale := p.Clone()
	stale.Revision = 1
	st.LastExecutedAt = 1700003600
	err = store.Commit(ctx, storage.Changeset{Profile: stale, Strategy: st})
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err = store.GetStrategy(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Zero(t, got.LastExecutedAt)
	assert.Equal(t, uint64(1), got.Revision)
}

func TestAccountStore_StrategyWithoutProfile(t *testing.T) {
	store := newTestStore(t)
	err := store.Commit(context.Background(), storage.Changeset{Strategy: testStrategy("nobody", 0, false)})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAccountStore_ListOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, owner := range []string{"bob", "alice"} {
		require.NoError(t, store.CreateProfile(ctx, testProfile(owner)))
		for _, id := range []uint64{2, 0, 1} {
			require.NoError(t, store.Commit(ctx, storage.Changeset{Strategy: testStrategy(owner, id, id != 1)}))
		}
	}

	list, err := store.ListStrategies(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, st := range list {
		assert.Equal(t, uint64(i), st.StrategyID)
	}

	auto, err := store.ListAutoRebalance(ctx)
	require.NoError(t, err)
	require.Len(t, auto, 4)
	assert.Equal(t, "alice", auto[0].Owner)
	assert.Equal(t, uint64(0), auto[0].StrategyID)
	assert.Equal(t, uint64(2), auto[1].StrategyID)
	assert.Equal(t, "bob", auto[2].Owner)

	empty, err := store.ListStrategies(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAccountStore_InvalidInput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.Commit(ctx, storage.Changeset{}), storage.ErrInvalidInput)
	assert.ErrorIs(t, store.CreateProfile(ctx, &domain.UserProfile{}), storage.ErrInvalidInput)
	assert.ErrorIs(t, store.SaveProfile(ctx, testProfile("alice")), storage.ErrInvalidInput)
}
