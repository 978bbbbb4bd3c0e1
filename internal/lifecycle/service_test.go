package lifecycle

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Erio-Harrison/defi-tools/internal/adapter"
	"github.com/Erio-Harrison/defi-tools/internal/clock"
	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/pda"
	"github.com/Erio-Harrison/defi-tools/internal/storage"
	"github.com/Erio-Harrison/defi-tools/internal/storage/memory"
)

const (
	alice = "So11111111111111111111111111111111111111112"
	bob   = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

	startTime = int64(1700000000)
)

type fixture struct {
	svc      *Service
	store    *memory.AccountStore
	activity *memory.ActivityStore
	clock    *clockwork.FakeClock
	ctx      context.Context
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewAccountStore(),
		activity: memory.NewActivityStore(),
		clock:    clockwork.NewFakeClockAt(time.Unix(startTime, 0)),
		ctx:      context.Background(),
	}
	opts = append([]Option{WithActivityStore(f.activity)}, opts...)
	f.svc = New(f.store, clock.FromClockwork(f.clock), opts...)
	return f
}

func (f *fixture) advance(seconds int64) {
	f.clock.Advance(time.Duration(seconds) * time.Second)
}

func (f *fixture) profile(t *testing.T, owner string) *domain.UserProfile {
	t.Helper()
	p, err := f.store.GetProfile(f.ctx, owner)
	require.NoError(t, err)
	return p
}

func tenEqual() []domain.Allocation {
	allocs := make([]domain.Allocation, 10)
	for i := range allocs {
		allocs[i] = domain.Allocation{Protocol: domain.Protocol(i % 4), Asset: domain.Asset(i % 3), TargetWeightBps: 1000}
	}
	return allocs
}

func hourly() StrategyParams {
	return StrategyParams{
		Allocations: []domain.Allocation{
			{Protocol: domain.ProtocolRaydium, Asset: domain.AssetSOL, TargetWeightBps: 6000},
			{Protocol: domain.ProtocolSolend, Asset: domain.AssetUSDC, TargetWeightBps: 4000},
		},
		RebalanceCondition: domain.RebalanceCondition{TimeIntervalSeconds: 3600, MaxDeviationBps: 500, AutoRebalance: true},
		MaxSlippageBps:     100,
	}
}

// withStrategy creates alice's profile and one hourly strategy.
func withStrategy(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := newFixture(t, opts...)
	_, err := f.svc.CreateProfile(f.ctx, alice, 3)
	require.NoError(t, err)
	_, err = f.svc.CreateStrategy(f.ctx, alice, alice, hourly())
	require.NoError(t, err)
	return f
}

func TestCreateProfile(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.CreateProfile(f.ctx, alice, 3)
	require.NoError(t, err)

	addr, err := pda.ProfileAddress(alice, pda.DefaultProgramID)
	require.NoError(t, err)

	assert.Equal(t, alice, p.Owner)
	assert.Equal(t, uint8(3), p.RiskLevel)
	assert.Equal(t, uint64(0), p.StrategyCounter)
	assert.Equal(t, uint64(0), p.TotalValueLamports)
	assert.False(t, p.IsPaused)
	assert.Equal(t, startTime, p.LastActivity)
	assert.Equal(t, addr.Bump, p.VaultBump)

	_, err = f.svc.CreateProfile(f.ctx, alice, 4)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Equal(t, uint8(3), f.profile(t, alice).RiskLevel)
}

func TestCreateProfile_RiskLevels(t *testing.T) {
	for level := 0; level <= 7; level++ {
		f := newFixture(t)
		_, err := f.svc.CreateProfile(f.ctx, alice, uint8(level))
		if level >= 1 && level <= 5 {
			assert.NoError(t, err, "risk level %d", level)
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInvalidRiskLevel, "risk level %d", level)
		_, getErr := f.store.GetProfile(f.ctx, alice)
		assert.ErrorIs(t, getErr, storage.ErrNotFound)
	}

	f := newFixture(t)
	_, err := f.svc.CreateProfile(f.ctx, alice, 255)
	assert.ErrorIs(t, err, domain.ErrInvalidRiskLevel)
}

func TestCreateProfile_InvalidKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateProfile(f.ctx, "not-a-key", 3)
	assert.ErrorIs(t, err, pda.ErrInvalidInput)
}

func TestCreateStrategy_TenEqualAllocations(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateProfile(f.ctx, alice, 3)
	require.NoError(t, err)
	f.advance(10)

	st, err := f.svc.CreateStrategy(f.ctx, alice, alice, StrategyParams{Allocations: tenEqual(), MaxSlippageBps: 50})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), st.StrategyID)
	assert.Equal(t, startTime+10, st.CreatedAt)
	assert.Zero(t, st.LastExecutedAt)

	p := f.profile(t, alice)
	assert.Equal(t, uint64(1), p.StrategyCounter)
	assert.Equal(t, startTime+10, p.LastActivity)

	next, err := f.svc.CreateStrategy(f.ctx, alice, alice, hourly())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.StrategyID)
}

func TestCreateStrategy_FailuresLeaveStateUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		caller string
		params StrategyParams
		want   error
	}{
		{"sum over", alice, StrategyParams{Allocations: []domain.Allocation{{TargetWeightBps: 10001}}}, domain.ErrInvalidAllocation},
		{"sum under", alice, StrategyParams{Allocations: []domain.Allocation{{TargetWeightBps: 9999}}}, domain.ErrInvalidAllocation},
		{"slippage", alice, StrategyParams{Allocations: []domain.Allocation{{TargetWeightBps: 10000}}, MaxSlippageBps: 1001}, domain.ErrInvalidSlippage},
		{"other identity", bob, hourly(), domain.ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateProfile(f.ctx, alice, 3)
			require.NoError(t, err)
			before := f.profile(t, alice)
			f.advance(60)

			_, err = f.svc.CreateStrategy(f.ctx, tt.caller, alice, tt.params)
			assert.ErrorIs(t, err, tt.want)

			assert.Equal(t, before, f.profile(t, alice))
			list, err := f.store.ListStrategies(f.ctx, alice)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestCreateStrategy_Paused(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateProfile(f.ctx, alice, 3)
	require.NoError(t, err)
	_, err = f.svc.SetPaused(f.ctx, alice, alice, true)
	require.NoError(t, err)

	_, err = f.svc.CreateStrategy(f.ctx, alice, alice, hourly())
	assert.ErrorIs(t, err, domain.ErrStrategyPaused)
	assert.Equal(t, uint64(0), f.profile(t, alice).StrategyCounter)
}

func TestCreateStrategy_AuthBeforeValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateProfile(f.ctx, alice, 3)
	require.NoError(t, err)

	_, err = f.svc.CreateStrategy(f.ctx, bob, alice, StrategyParams{MaxSlippageBps: 5000})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestCreateStrategy_NoProfile(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateStrategy(f.ctx, alice, alice, hourly())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDepositFunds(t *testing.T) {
	f := withStrategy(t)
	f.advance(5)

	p, err := f.svc.DepositFunds(f.ctx, alice, alice, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), p.TotalValueLamports)
	assert.Equal(t, startTime+5, p.LastActivity)
	assert.Equal(t, p.TotalValueLamports, f.profile(t, alice).TotalValueLamports)
}

func TestDepositFunds_FailuresLeaveStateUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		caller string
		id     uint64
		amount uint64
		want   error
	}{
		{"zero amount", alice, 0, 0, domain.ErrInsufficientFunds},
		{"other identity", bob, 0, 10, domain.ErrUnauthorized},
		{"unknown strategy", alice, 7, 10, domain.ErrInvalidStrategyID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := withStrategy(t)
			before := f.profile(t, alice)
			f.advance(60)

			_, err := f.svc.DepositFunds(f.ctx, tt.caller, alice, tt.id, tt.amount)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, f.profile(t, alice))
		})
	}
}

func TestDepositFunds_OverflowRefreshesActivity(t *testing.T) {
	f := withStrategy(t)

	p := f.profile(t, alice)
	p.TotalValueLamports = math.MaxUint64
	require.NoError(t, f.store.SaveProfile(f.ctx, p))
	f.advance(120)

	_, err := f.svc.DepositFunds(f.ctx, alice, alice, 0, 1)
	assert.ErrorIs(t, err, domain.ErrMathError)

	got := f.profile(t, alice)
	assert.Equal(t, uint64(math.MaxUint64), got.TotalValueLamports)
	assert.Equal(t, startTime+120, got.LastActivity, "last_activity must be refreshed and persisted")

	events, err := f.activity.GetByOwner(f.ctx, alice, 0, math.MaxInt64)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, OpDeposit, last.Operation)
	assert.Equal(t, "MathError", last.Result)
	assert.Equal(t, uint32(6011), last.ErrorCode)
}

func TestDepositFunds_Paused(t *testing.T) {
	f := withStrategy(t)
	_, err := f.svc.SetPaused(f.ctx, alice, alice, true)
	require.NoError(t, err)

	_, err = f.svc.DepositFunds(f.ctx, alice, alice, 0, 100)
	assert.ErrorIs(t, err, domain.ErrStrategyPaused)
}

func TestWithdrawFunds_Scenario(t *testing.T) {
	f := withStrategy(t)
	_, err := f.svc.DepositFunds(f.ctx, alice, alice, 0, 1000)
	require.NoError(t, err)

	p, err := f.svc.WithdrawFunds(f.ctx, alice, alice, 0, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), p.TotalValueLamports)

	before := f.profile(t, alice)
	f.advance(30)

	_, err = f.svc.WithdrawFunds(f.ctx, alice, alice, 0, 1000)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = f.svc.WithdrawFunds(f.ctx, bob, alice, 0, 100)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.WithdrawFunds(f.ctx, alice, alice, 0, 0)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.Equal(t, before, f.profile(t, alice))
}

func TestWithdrawFunds_AllowedWhilePaused(t *testing.T) {
	f := withStrategy(t)
	_, err := f.svc.DepositFunds(f.ctx, alice, alice, 0, 1000)
	require.NoError(t, err)
	_, err = f.svc.SetPaused(f.ctx, alice, alice, true)
	require.NoError(t, err)

	_, err = f.svc.DepositFunds(f.ctx, alice, alice, 0, 1)
	assert.ErrorIs(t, err, domain.ErrStrategyPaused)

	p, err := f.svc.WithdrawFunds(f.ctx, alice, alice, 0, 400)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), p.TotalValueLamports)
}

func TestDepositWithdraw_RoundTrip(t *testing.T) {
	f := withStrategy(t)
	_, err := f.svc.DepositFunds(f.ctx, alice, alice, 0, 250)
	require.NoError(t, err)

	for _, amount := range []uint64{1, 999, 1 << 40} {
		_, err := f.svc.DepositFunds(f.ctx, alice, alice, 0, amount)
		require.NoError(t, err)
		p, err := f.svc.WithdrawFunds(f.ctx, alice, alice, 0, amount)
		require.NoError(t, err)
		assert.Equal(t, uint64(250), p.TotalValueLamports)
	}
}

func TestExecuteStrategy(t *testing.T) {
	var calls atomic.Int32
	f := withStrategy(t, WithAdapter(adapter.Func(func(_ context.Context, s *domain.StrategyConfig, a adapter.Action) error {
		calls.Add(1)
		if a != adapter.ActionExecute {
			t.Errorf("unexpected action %s", a)
		}
		return nil
	})))
	f.advance(42)

	st, err := f.svc.ExecuteStrategy(f.ctx, alice, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, startTime+42, st.LastExecutedAt)
	assert.Equal(t, startTime+42, f.profile(t, alice).LastActivity)
	assert.Equal(t, int32(1), calls.Load())

	_, err = f.svc.ExecuteStrategy(f.ctx, bob, alice, 0)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.SetPaused(f.ctx, alice, alice, true)
	require.NoError(t, err)
	_, err = f.svc.ExecuteStrategy(f.ctx, alice, alice, 0)
	assert.ErrorIs(t, err, domain.ErrStrategyPaused)
	assert.Equal(t, int32(1), calls.Load(), "adapter must not run for rejected operations")
}

func TestRebalancePositions_Gate(t *testing.T) {
	f := withStrategy(t)

	// never executed: eligible immediately
	st, err := f.svc.RebalancePositions(f.ctx, alice, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, startTime, st.LastExecutedAt)

	f.advance(3599)
	_, err = f.svc.RebalancePositions(f.ctx, alice, alice, 0)
	assert.ErrorIs(t, err, domain.ErrRebalanceConditionNotMet)

	stored, err := f.store.GetStrategy(f.ctx, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, startTime, stored.LastExecutedAt)

	f.advance(1)
	st, err = f.svc.RebalancePositions(f.ctx, alice, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, startTime+3600, st.LastExecutedAt)
}

func TestRebalancePositions_AfterExecute(t *testing.T) {
	f := withStrategy(t)
	f.advance(100)
	_, err := f.svc.ExecuteStrategy(f.ctx, alice, alice, 0)
	require.NoError(t, err)

	_, err = f.svc.RebalancePositions(f.ctx, alice, alice, 0)
	assert.ErrorIs(t, err, domain.ErrRebalanceConditionNotMet)
}

func TestRebalancePositions_AdapterFailureKeepsCommit(t *testing.T) {
	boom := errors.New("venue unavailable")
	f := withStrategy(t, WithAdapter(adapter.Func(func(context.Context, *domain.StrategyConfig, adapter.Action) error {
		return boom
	})))
	f.advance(7)

	st, err := f.svc.RebalancePositions(f.ctx, alice, alice, 0)
	require.Error(t, err)

	var adErr *AdapterError
	require.True(t, errors.As(err, &adErr))
	assert.Equal(t, adapter.ActionRebalance, adErr.Action)
	assert.ErrorIs(t, err, boom)

	require.NotNil(t, st)
	stored, getErr := f.store.GetStrategy(f.ctx, alice, 0)
	require.NoError(t, getErr)
	assert.Equal(t, startTime+7, stored.LastExecutedAt)
}

func TestSetPaused(t *testing.T) {
	f := withStrategy(t)

	_, err := f.svc.SetPaused(f.ctx, bob, alice, true)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	p, err := f.svc.SetPaused(f.ctx, alice, alice, true)
	require.NoError(t, err)
	assert.True(t, p.IsPaused)

	p, err = f.svc.SetPaused(f.ctx, alice, alice, false)
	require.NoError(t, err)
	assert.False(t, p.IsPaused)

	_, err = f.svc.DepositFunds(f.ctx, alice, alice, 0, 1)
	assert.NoError(t, err)
}

func TestQueries(t *testing.T) {
	f := withStrategy(t)
	_, err := f.svc.CreateStrategy(f.ctx, alice, alice, StrategyParams{Allocations: tenEqual()})
	require.NoError(t, err)

	p, err := f.svc.GetProfile(f.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.StrategyCounter)

	st, err := f.svc.GetStrategy(f.ctx, alice, 1)
	require.NoError(t, err)
	assert.Len(t, st.Allocations, 10)

	list, err := f.svc.ListStrategies(f.ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(0), list[0].StrategyID)

	_, err = f.svc.ListStrategies(f.ctx, bob)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.GetStrategy(f.ctx, alice, 9)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestActivityJournal(t *testing.T) {
	f := withStrategy(t)
	_, err := f.svc.DepositFunds(f.ctx, alice, alice, 0, 700)
	require.NoError(t, err)
	_, err = f.svc.WithdrawFunds(f.ctx, alice, alice, 0, 200)
	require.NoError(t, err)

	// rejected operations are not journaled
	_, _ = f.svc.WithdrawFunds(f.ctx, alice, alice, 0, 10_000)

	events, err := f.svc.Activity(f.ctx, alice, 0, math.MaxInt64)
	require.NoError(t, err)

	var ops []string
	for _, e := range events {
		ops = append(ops, e.Operation)
	}
	assert.Equal(t, []string{OpCreateProfile, OpCreateStrategy, OpDeposit, OpWithdraw}, ops)
	assert.Equal(t, uint64(500), events[3].BalanceAfter)
	assert.Len(t, events[3].EventID, 64)
}

// conflictStore fails the first n commits with ErrConflict.
type conflictStore struct {
	*memory.AccountStore
	remaining atomic.Int32
	commits   atomic.Int32
}

func (s *conflictStore) Commit(ctx context.Context, cs storage.Changeset) error {
	s.commits.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return storage.ErrConflict
	}
	return s.AccountStore.Commit(ctx, cs)
}

func TestConflictRetry(t *testing.T) {
	base := memory.NewAccountStore()
	store := &conflictStore{AccountStore: base}
	fake := clockwork.NewFakeClockAt(time.Unix(startTime, 0))
	svc := New(store, clock.FromClockwork(fake))
	ctx := context.Background()

	_, err := svc.CreateProfile(ctx, alice, 2)
	require.NoError(t, err)

	store.remaining.Store(2)
	store.commits.Store(0)
	_, err = svc.SetPaused(ctx, alice, alice, true)
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.commits.Load())

	store.remaining.Store(10)
	_, err = svc.SetPaused(ctx, alice, alice, false)
	assert.ErrorIs(t, err, storage.ErrConflict)

	p, err := base.GetProfile(ctx, alice)
	require.NoError(t, err)
	assert.True(t, p.IsPaused)
}
