// Package lifecycle implements the ledger operations: profile and strategy
// creation, deposits, withdrawals, execution and rebalancing.
//
// Every operation resolves its records, runs the authorization guard and the
// component checks, then writes one storage.Changeset. All checks precede all
// mutations, which are staged on copies; a failed operation leaves the store
// unchanged. The one exception is a deposit that overflows: its refreshed
// last_activity is committed before MathError is returned.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Erio-Harrison/defi-tools/internal/adapter"
	"github.com/Erio-Harrison/defi-tools/internal/allocation"
	"github.com/Erio-Harrison/defi-tools/internal/clock"
	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/guard"
	"github.com/Erio-Harrison/defi-tools/internal/ledger"
	"github.com/Erio-Harrison/defi-tools/internal/observability"
	"github.com/Erio-Harrison/defi-tools/internal/pda"
	"github.com/Erio-Harrison/defi-tools/internal/rebalance"
	"github.com/Erio-Harrison/defi-tools/internal/storage"
)

// Operation names used in logs, metrics and the activity journal.
const (
	OpCreateProfile  = "create_profile"
	OpCreateStrategy = "create_strategy"
	OpDeposit        = "deposit"
	OpWithdraw       = "withdraw"
	OpExecute        = "execute"
	OpRebalance      = "rebalance"
	OpSetPaused      = "set_paused"
)

// DefaultMaxAttempts bounds how often an operation is re-run after a revision conflict.
const DefaultMaxAttempts = 3

// StrategyParams is the caller-supplied part of a new strategy.
type StrategyParams struct {
	Allocations        []domain.Allocation
	RebalanceCondition domain.RebalanceCondition
	MaxSlippageBps     uint16
}

// Service runs ledger operations against an AccountStore.
type Service struct {
	store       storage.AccountStore
	clock       clock.Clock
	adapter     adapter.ProtocolAdapter
	activity    storage.ActivityStore
	programID   string
	maxAttempts int
	log         *zap.Logger
}

// Option configures Service.
type Option func(*Service)

// WithAdapter sets the protocol adapter invoked after execute and rebalance.
func WithAdapter(a adapter.ProtocolAdapter) Option {
	return func(s *Service) {
		s.adapter = a
	}
}

// WithActivityStore journals every committed operation to store.
func WithActivityStore(store storage.ActivityStore) Option {
	return func(s *Service) {
		s.activity = store
	}
}

// WithProgramID sets the program the profile address (and vault bump) derive from.
func WithProgramID(id string) Option {
	return func(s *Service) {
		s.programID = id
	}
}

// WithMaxAttempts sets the retry bound for revision conflicts.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// New creates a Service.
func New(store storage.AccountStore, clk clock.Clock, opts ...Option) *Service {
	s := &Service{
		store:       store,
		clock:       clk,
		adapter:     adapter.Noop{},
		programID:   pda.DefaultProgramID,
		maxAttempts: DefaultMaxAttempts,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateProfile creates the profile of caller.
func (s *Service) CreateProfile(ctx context.Context, caller string, riskLevel uint8) (*domain.UserProfile, error) {
	var created *domain.UserProfile
	err := s.run(ctx, OpCreateProfile, func() error {
		if !domain.ValidRiskLevel(riskLevel) {
			return domain.ErrInvalidRiskLevel
		}
		addr, err := pda.ProfileAddress(caller, s.programID)
		if err != nil {
			return fmt.Errorf("derive profile address: %w", err)
		}
		now, err := s.now(ctx)
		if err != nil {
			return err
		}

		p := &domain.UserProfile{
			Owner:        caller,
			RiskLevel:    riskLevel,
			VaultBump:    addr.Bump,
			LastActivity: now,
		}
		if err := s.commit(ctx, storage.Changeset{Profile: p}); err != nil {
			return err
		}
		created = p
		s.journal(ctx, OpCreateProfile, p, nil, 0, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("profile created",
		zap.String("owner", created.Owner),
		zap.Uint8("risk_level", created.RiskLevel))
	return created, nil
}

// CreateStrategy creates a strategy under owner's profile with the next id.
func (s *Service) CreateStrategy(ctx context.Context, caller, owner string, params StrategyParams) (*domain.StrategyConfig, error) {
	var created *domain.StrategyConfig
	err := s.run(ctx, OpCreateStrategy, func() error {
		p, err := s.loadProfile(ctx, caller, owner, true)
		if err != nil {
			return err
		}
		if err := allocation.Validate(params.Allocations, params.MaxSlippageBps); err != nil {
			return err
		}
		now, err := s.now(ctx)
		if err != nil {
			return err
		}

		st := &domain.StrategyConfig{
			Owner:              p.Owner,
			StrategyID:         p.StrategyCounter,
			Allocations:        append([]domain.Allocation(nil), params.Allocations...),
			RebalanceCondition: params.RebalanceCondition,
			CreatedAt:          now,
			MaxSlippageBps:     params.MaxSlippageBps,
		}
		if p.StrategyCounter == ^uint64(0) {
			return domain.ErrMathError
		}
		p.StrategyCounter++
		p.LastActivity = now

		if err := s.commit(ctx, storage.Changeset{Profile: p, Strategy: st}); err != nil {
			return err
		}
		created = st
		s.journal(ctx, OpCreateStrategy, p, &st.StrategyID, 0, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("strategy created",
		zap.String("owner", created.Owner),
		zap.Uint64("strategy_id", created.StrategyID),
		zap.Int("allocations", len(created.Allocations)))
	return created, nil
}

// DepositFunds credits amount to owner's profile through one of its strategies.
// Balances are commingled at profile level.
func (s *Service) DepositFunds(ctx context.Context, caller, owner string, strategyID uint64, amount uint64) (*domain.UserProfile, error) {
	var updated *domain.UserProfile
	err := s.run(ctx, OpDeposit, func() error {
		p, _, err := s.loadStrategy(ctx, caller, owner, strategyID, true)
		if err != nil {
			return err
		}
		now, err := s.now(ctx)
		if err != nil {
			return err
		}

		if depErr := ledger.Deposit(p, amount, now); depErr != nil {
			if !errors.Is(depErr, domain.ErrMathError) {
				return depErr
			}
			// the refreshed last_activity survives the overflow
			if err := s.commit(ctx, storage.Changeset{Profile: p}); err != nil {
				return err
			}
			s.journal(ctx, OpDeposit, p, &strategyID, amount, depErr)
			return depErr
		}

		if err := s.commit(ctx, storage.Changeset{Profile: p}); err != nil {
			return err
		}
		updated = p
		s.journal(ctx, OpDeposit, p, &strategyID, amount, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.RecordDeposit(amount)
	s.log.Info("funds deposited",
		zap.String("owner", owner),
		zap.Uint64("strategy_id", strategyID),
		zap.Uint64("amount", amount),
		zap.Uint64("total_value_lamports", updated.TotalValueLamports))
	return updated, nil
}

// WithdrawFunds debits amount from owner's profile. Allowed while paused.
func (s *Service) WithdrawFunds(ctx context.Context, caller, owner string, strategyID uint64, amount uint64) (*domain.UserProfile, error) {
	var updated *domain.UserProfile
	err := s.run(ctx, OpWithdraw, func() error {
		p, _, err := s.loadStrategy(ctx, caller, owner, strategyID, false)
		if err != nil {
			return err
		}
		now, err := s.now(ctx)
		if err != nil {
			return err
		}
		if err := ledger.Withdraw(p, amount, now); err != nil {
			return err
		}

		if err := s.commit(ctx, storage.Changeset{Profile: p}); err != nil {
			return err
		}
		updated = p
		s.journal(ctx, OpWithdraw, p, &strategyID, amount, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.RecordWithdrawal(amount)
	s.log.Info("funds withdrawn",
		zap.String("owner", owner),
		zap.Uint64("strategy_id", strategyID),
		zap.Uint64("amount", amount),
		zap.Uint64("total_value_lamports", updated.TotalValueLamports))
	return updated, nil
}

// ExecuteStrategy records an execution and then hands the strategy to the
// protocol adapter. An adapter failure is returned as *AdapterError; the
// execution stays committed.
func (s *Service) ExecuteStrategy(ctx context.Context, caller, owner string, strategyID uint64) (*domain.StrategyConfig, error) {
	return s.transition(ctx, OpExecute, adapter.ActionExecute, caller, owner, strategyID, nil)
}

// RebalancePositions records a rebalance once the time gate allows it, then
// hands the strategy to the protocol adapter.
func (s *Service) RebalancePositions(ctx context.Context, caller, owner string, strategyID uint64) (*domain.StrategyConfig, error) {
	return s.transition(ctx, OpRebalance, adapter.ActionRebalance, caller, owner, strategyID, rebalance.Check)
}

func (s *Service) transition(
	ctx context.Context,
	op string,
	action adapter.Action,
	caller, owner string,
	strategyID uint64,
	gate func(*domain.StrategyConfig, int64) error,
) (*domain.StrategyConfig, error) {
	var updated *domain.StrategyConfig
	err := s.run(ctx, op, func() error {
		p, st, err := s.loadStrategy(ctx, caller, owner, strategyID, true)
		if err != nil {
			return err
		}
		now, err := s.now(ctx)
		if err != nil {
			return err
		}
		if gate != nil {
			if err := gate(st, now); err != nil {
				return err
			}
		}

		st.LastExecutedAt = now
		p.LastActivity = now
		if err := s.commit(ctx, storage.Changeset{Profile: p, Strategy: st}); err != nil {
			return err
		}
		updated = st
		s.journal(ctx, op, p, &strategyID, 0, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("strategy transition recorded",
		zap.String("operation", op),
		zap.String("owner", owner),
		zap.Uint64("strategy_id", strategyID),
		zap.Int64("last_executed_at", updated.LastExecutedAt))

	if err := s.adapter.Apply(ctx, updated.Clone(), action); err != nil {
		observability.RecordAdapterFailure(string(action))
		s.log.Warn("protocol adapter failed",
			zap.String("owner", owner),
			zap.Uint64("strategy_id", strategyID),
			zap.String("action", string(action)),
			zap.Error(err))
		return updated, &AdapterError{Action: action, Owner: owner, StrategyID: strategyID, Err: err}
	}
	return updated, nil
}

// SetPaused toggles emergency mode on owner's profile. Only the owner may
// call it; a paused profile can still be resumed.
func (s *Service) SetPaused(ctx context.Context, caller, owner string, paused bool) (*domain.UserProfile, error) {
	var updated *domain.UserProfile
	err := s.run(ctx, OpSetPaused, func() error {
		p, err := s.loadProfile(ctx, caller, owner, false)
		if err != nil {
			return err
		}
		now, err := s.now(ctx)
		if err != nil {
			return err
		}

		p.IsPaused = paused
		p.LastActivity = now
		if err := s.commit(ctx, storage.Changeset{Profile: p}); err != nil {
			return err
		}
		updated = p
		s.journal(ctx, OpSetPaused, p, nil, 0, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("profile pause toggled", zap.String("owner", owner), zap.Bool("is_paused", paused))
	return updated, nil
}

// GetProfile returns owner's profile. Records are public; no caller is checked.
func (s *Service) GetProfile(ctx context.Context, owner string) (*domain.UserProfile, error) {
	p, err := s.store.GetProfile(ctx, owner)
	if err != nil {
		return nil, translate("get profile", err)
	}
	return p, nil
}

// GetStrategy returns one strategy of owner.
func (s *Service) GetStrategy(ctx context.Context, owner string, strategyID uint64) (*domain.StrategyConfig, error) {
	st, err := s.store.GetStrategy(ctx, owner, strategyID)
	if err != nil {
		return nil, translate("get strategy", err)
	}
	return st, nil
}

// ListStrategies returns every strategy of owner, ordered by id.
// An owner without a profile is NotFound.
func (s *Service) ListStrategies(ctx context.Context, owner string) ([]*domain.StrategyConfig, error) {
	if _, err := s.GetProfile(ctx, owner); err != nil {
		return nil, err
	}
	list, err := s.store.ListStrategies(ctx, owner)
	if err != nil {
		return nil, translate("list strategies", err)
	}
	return list, nil
}

// loadProfile resolves owner's profile and authorizes caller against it.
func (s *Service) loadProfile(ctx context.Context, caller, owner string, requireActive bool) (*domain.UserProfile, error) {
	p, err := s.store.GetProfile(ctx, owner)
	if err != nil {
		return nil, translate("get profile", err)
	}
	if err := guard.Check(caller, p.Owner); err != nil {
		return nil, err
	}
	if requireActive {
		if err := guard.CheckActive(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// loadStrategy resolves the profile, then the strategy, authorizing caller
// against both records.
func (s *Service) loadStrategy(ctx context.Context, caller, owner string, strategyID uint64, requireActive bool) (*domain.UserProfile, *domain.StrategyConfig, error) {
	p, err := s.loadProfile(ctx, caller, owner, requireActive)
	if err != nil {
		return nil, nil, err
	}
	if strategyID >= p.StrategyCounter {
		return nil, nil, domain.ErrInvalidStrategyID
	}
	st, err := s.store.GetStrategy(ctx, owner, strategyID)
	if err != nil {
		return nil, nil, translate("get strategy", err)
	}
	if err := guard.Check(caller, st.Owner); err != nil {
		return nil, nil, err
	}
	return p, st, nil
}

func (s *Service) now(ctx context.Context) (int64, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	return now, nil
}

func (s *Service) commit(ctx context.Context, cs storage.Changeset) error {
	if err := s.store.Commit(ctx, cs); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return err
		}
		return translate("commit", err)
	}
	return nil
}

// run executes attempt, re-running it from a fresh read while the store
// reports a revision conflict, and records the outcome.
func (s *Service) run(ctx context.Context, op string, attempt func() error) error {
	start := time.Now()
	var err error
	for i := 0; i < s.maxAttempts; i++ {
		err = attempt()
		if !errors.Is(err, storage.ErrConflict) {
			break
		}
		observability.RecordCommitConflict()
		s.log.Debug("revision conflict, retrying", zap.String("operation", op), zap.Int("attempt", i+1))
	}
	if errors.Is(err, storage.ErrConflict) {
		err = fmt.Errorf("%s: %w", op, err)
	}

	observability.RecordOperation(op, resultLabel(err), time.Since(start).Seconds())
	if err != nil {
		s.log.Debug("operation failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}

// translate maps storage sentinels to ledger kinds and wraps everything else.
func translate(what string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return domain.ErrNotFound
	case errors.Is(err, storage.ErrDuplicateKey):
		return domain.ErrAlreadyExists
	}
	return fmt.Errorf("%s: %w", what, err)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := domain.KindOf(err); kind != nil {
		return kind.Name
	}
	if errors.Is(err, storage.ErrConflict) {
		return "conflict"
	}
	return "error"
}
