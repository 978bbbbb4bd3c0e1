package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Erio-Harrison/defi-tools/internal/adapter"
	"github.com/Erio-Harrison/defi-tools/internal/clock"
	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/lifecycle"
	"github.com/Erio-Harrison/defi-tools/internal/storage/memory"
)

const (
	alice = "So11111111111111111111111111111111111111112"
	bob   = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

func params(auto bool) lifecycle.StrategyParams {
	return lifecycle.StrategyParams{
		Allocations:        []domain.Allocation{{TargetWeightBps: 10000}},
		RebalanceCondition: domain.RebalanceCondition{TimeIntervalSeconds: 3600, AutoRebalance: auto},
	}
}

type env struct {
	keeper *Keeper
	svc    *lifecycle.Service
	store  *memory.AccountStore
	fake   *clockwork.FakeClock
}

func setup(t *testing.T, opts ...lifecycle.Option) *env {
	t.Helper()
	ctx := context.Background()

	store := memory.NewAccountStore()
	fake := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	clk := clock.FromClockwork(fake)
	svc := lifecycle.New(store, clk, opts...)

	for _, owner := range []string{alice, bob} {
		_, err := svc.CreateProfile(ctx, owner, 3)
		require.NoError(t, err)
		_, err = svc.CreateStrategy(ctx, owner, owner, params(true))
		require.NoError(t, err)
		_, err = svc.CreateStrategy(ctx, owner, owner, params(false))
		require.NoError(t, err)
	}
	_, err := svc.SetPaused(ctx, bob, bob, true)
	require.NoError(t, err)

	return &env{
		keeper: NewKeeper(store, svc, clk, "@every 1m", nil),
		svc:    svc,
		store:  store,
		fake:   fake,
	}
}

func TestRunOnce(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	res, err := e.keeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 1, res.Rebalanced)
	assert.Equal(t, 1, res.Skipped, "paused profile is skipped")
	assert.Zero(t, res.Failed)

	st, err := e.store.GetStrategy(ctx, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), st.LastExecutedAt)

	manual, err := e.store.GetStrategy(ctx, alice, 1)
	require.NoError(t, err)
	assert.Zero(t, manual.LastExecutedAt, "strategies without auto_rebalance are left alone")

	// not yet due
	e.fake.Advance(3599 * time.Second)
	res, err = e.keeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Rebalanced)
	assert.Equal(t, 2, res.Skipped)

	e.fake.Advance(time.Second)
	res, err = e.keeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rebalanced)

	stats := e.keeper.Stats()
	assert.Equal(t, 3, stats.Runs)
	assert.False(t, stats.Running)
	require.NotNil(t, stats.Last)
	assert.Equal(t, 1, stats.Last.Rebalanced)
}

func TestRunOnce_AdapterFailureCountsAsRebalanced(t *testing.T) {
	e := setup(t, lifecycle.WithAdapter(adapter.Func(func(context.Context, *domain.StrategyConfig, adapter.Action) error {
		return errors.New("venue down")
	})))

	res, err := e.keeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rebalanced)
	assert.Zero(t, res.Failed)
}

type failingRebalancer struct{}

func (failingRebalancer) RebalancePositions(context.Context, string, string, uint64) (*domain.StrategyConfig, error) {
	return nil, errors.New("store unavailable")
}

func TestRunOnce_Failures(t *testing.T) {
	e := setup(t)
	k := NewKeeper(e.store, failingRebalancer{}, clock.FromClockwork(e.fake), "@every 1m", nil)

	res, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
}

type failingLister struct{}

func (failingLister) ListAutoRebalance(context.Context) ([]*domain.StrategyConfig, error) {
	return nil, errors.New("list failed")
}

func TestRunOnce_ListError(t *testing.T) {
	e := setup(t)
	k := NewKeeper(failingLister{}, e.svc, clock.FromClockwork(e.fake), "@every 1m", nil)

	_, err := k.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, k.Stats().Runs)
}

func TestStart_InvalidSpec(t *testing.T) {
	e := setup(t)
	k := NewKeeper(e.store, e.svc, clock.FromClockwork(e.fake), "every minute", nil)
	assert.Error(t, k.Start(context.Background()))
}

func TestStartStop(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.keeper.Start(context.Background()))
	e.keeper.Stop()
}
