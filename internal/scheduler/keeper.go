// Package scheduler runs the auto-rebalance keeper: on a cron schedule it
// rebalances every auto_rebalance strategy whose interval has elapsed,
// acting as the strategy owner.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Erio-Harrison/defi-tools/internal/clock"
	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/lifecycle"
	"github.com/Erio-Harrison/defi-tools/internal/observability"
	"github.com/Erio-Harrison/defi-tools/internal/rebalance"
)

// Skip reasons reported in metrics.
const (
	SkipNotDue = "not_due"
	SkipPaused = "paused"
)

// Lister lists keeper candidates.
type Lister interface {
	ListAutoRebalance(ctx context.Context) ([]*domain.StrategyConfig, error)
}

// Rebalancer performs one rebalance.
type Rebalancer interface {
	RebalancePositions(ctx context.Context, caller, owner string, strategyID uint64) (*domain.StrategyConfig, error)
}

// RunResult summarizes one keeper pass.
type RunResult struct {
	StartedAt  time.Time `json:"started_at"`
	Candidates int       `json:"candidates"`
	Rebalanced int       `json:"rebalanced"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
}

// Stats is the keeper state exposed on /status.
type Stats struct {
	Spec    string     `json:"spec"`
	Running bool       `json:"running"`
	Runs    int        `json:"runs"`
	Last    *RunResult `json:"last,omitempty"`
}

// Keeper rebalances due auto_rebalance strategies.
type Keeper struct {
	lister Lister
	svc    Rebalancer
	clock  clock.Clock
	log    *zap.Logger
	spec   string

	cron *cron.Cron

	mu      sync.Mutex
	running bool
	runs    int
	last    *RunResult
}

// NewKeeper creates a Keeper. spec is a six-field cron expression (with seconds)
// or a descriptor such as "@every 5m".
func NewKeeper(lister Lister, svc Rebalancer, clk clock.Clock, spec string, log *zap.Logger) *Keeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Keeper{lister: lister, svc: svc, clock: clk, log: log, spec: spec}
}

// Start schedules the keeper. Runs never overlap; a tick that arrives while
// a pass is in progress is dropped.
func (k *Keeper) Start(ctx context.Context) error {
	cl := cronLogger{log: k.log.Sugar()}
	k.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := k.cron.AddFunc(k.spec, func() {
		if _, err := k.RunOnce(ctx); err != nil {
			k.log.Warn("keeper run failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	k.cron.Start()
	k.log.Info("keeper started", zap.String("spec", k.spec))
	return nil
}

// Stop stops scheduling and waits for a running pass.
func (k *Keeper) Stop() {
	if k.cron == nil {
		return
	}
	<-k.cron.Stop().Done()
	k.log.Info("keeper stopped")
}

// RunOnce performs one pass over the auto_rebalance strategies.
func (k *Keeper) RunOnce(ctx context.Context) (RunResult, error) {
	k.mu.Lock()
	k.running = true
	k.mu.Unlock()

	res, err := k.run(ctx)

	k.mu.Lock()
	k.running = false
	k.runs++
	k.last = &res
	k.mu.Unlock()

	status := observability.RunSuccess
	if err != nil || res.Failed > 0 {
		status = observability.RunFailure
	}
	observability.RecordSchedulerRun(status, res.StartedAt.Unix())
	return res, err
}

func (k *Keeper) run(ctx context.Context) (RunResult, error) {
	res := RunResult{StartedAt: time.Now()}

	strategies, err := k.lister.ListAutoRebalance(ctx)
	if err != nil {
		return res, err
	}
	res.Candidates = len(strategies)

	now, err := k.clock.Now(ctx)
	if err != nil {
		return res, err
	}

	for _, st := range strategies {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if rebalance.Evaluate(st, now) == rebalance.NotYetDue {
			res.Skipped++
			observability.RecordSchedulerSkipped(SkipNotDue)
			continue
		}

		_, err := k.svc.RebalancePositions(ctx, st.Owner, st.Owner, st.StrategyID)
		var adErr *lifecycle.AdapterError
		switch {
		case err == nil:
			res.Rebalanced++
			observability.RecordSchedulerRebalanced()
		case errors.As(err, &adErr):
			// the rebalance is committed; only the venue call failed
			res.Rebalanced++
			observability.RecordSchedulerRebalanced()
			k.log.Warn("keeper rebalance adapter failed",
				zap.String("owner", st.Owner),
				zap.Uint64("strategy_id", st.StrategyID),
				zap.Error(adErr.Err))
		case errors.Is(err, domain.ErrRebalanceConditionNotMet):
			// the clock moved between listing and the operation
			res.Skipped++
			observability.RecordSchedulerSkipped(SkipNotDue)
		case errors.Is(err, domain.ErrStrategyPaused):
			res.Skipped++
			observability.RecordSchedulerSkipped(SkipPaused)
		default:
			res.Failed++
			k.log.Error("keeper rebalance failed",
				zap.String("owner", st.Owner),
				zap.Uint64("strategy_id", st.StrategyID),
				zap.Error(err))
		}
	}

	k.log.Info("keeper run complete",
		zap.Int("candidates", res.Candidates),
		zap.Int("rebalanced", res.Rebalanced),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, nil
}

// Stats returns the keeper state.
func (k *Keeper) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()

	s := Stats{Spec: k.spec, Running: k.running, Runs: k.runs}
	if k.last != nil {
		last := *k.last
		s.Last = &last
	}
	return s
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
