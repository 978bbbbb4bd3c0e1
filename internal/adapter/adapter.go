// Package adapter defines the boundary to the protocols a strategy allocates into.
package adapter

import (
	"context"

	"go.uber.org/zap"

	"github.com/Erio-Harrison/defi-tools/internal/domain"
)

// Action is what the ledger asks a protocol adapter to do.
type Action string

const (
	ActionExecute   Action = "execute"
	ActionRebalance Action = "rebalance"
)

// ProtocolAdapter moves funds between venues for a strategy. The ledger calls
// it after the state transition is committed.
type ProtocolAdapter interface {
	Apply(ctx context.Context, strategy *domain.StrategyConfig, action Action) error
}

// Noop accepts every action and does nothing.
type Noop struct{}

// Apply does nothing.
func (Noop) Apply(context.Context, *domain.StrategyConfig, Action) error { return nil }

// Logging logs every action and delegates to Next when set.
type Logging struct {
	Log  *zap.Logger
	Next ProtocolAdapter
}

// Apply logs the target mix of the strategy.
func (l Logging) Apply(ctx context.Context, s *domain.StrategyConfig, action Action) error {
	fields := []zap.Field{
		zap.String("owner", s.Owner),
		zap.Uint64("strategy_id", s.StrategyID),
		zap.String("action", string(action)),
		zap.Uint16("max_slippage_bps", s.MaxSlippageBps),
	}
	for _, a := range s.Allocations {
		fields = append(fields, zap.Uint16(a.Protocol.String()+"/"+a.Asset.String(), a.TargetWeightBps))
	}
	l.Log.Info("protocol adapter", fields...)

	if l.Next == nil {
		return nil
	}
	return l.Next.Apply(ctx, s, action)
}

// Func adapts a function to ProtocolAdapter.
type Func func(ctx context.Context, s *domain.StrategyConfig, action Action) error

// Apply calls f.
func (f Func) Apply(ctx context.Context, s *domain.StrategyConfig, action Action) error {
	return f(ctx, s, action)
}
