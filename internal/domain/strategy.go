package domain

// Basis point constants.
const (
	// TotalWeightBps is the exact sum every allocation vector must reach (100%).
	TotalWeightBps = 10000

	// MaxSlippageBps is the largest accepted slippage bound (10%).
	MaxSlippageBps uint16 = 1000

	// MaxAllocations is the allocation count the on-chain account space was sized for.
	// The validator does not enforce it.
	MaxAllocations = 10
)

// Allocation is one entry in a strategy's target mix.
type Allocation struct {
	Protocol        Protocol // abstract protocol slot
	Asset           Asset    // abstract asset slot
	TargetWeightBps uint16   // share of the strategy in basis points
}

// RebalanceCondition is the trigger configuration of a strategy.
type RebalanceCondition struct {
	TimeIntervalSeconds uint64 // minimum seconds between executions
	MaxDeviationBps     uint16 // stored, not evaluated by the time gate
	AutoRebalance       bool   // keeper may rebalance on the owner's behalf
}

// StrategyConfig is an owner-scoped allocation plan.
// Addressed by (Owner, StrategyID), never by StrategyID alone.
type StrategyConfig struct {
	Owner              string
	StrategyID         uint64 // assigned from the profile counter
	Allocations        []Allocation
	RebalanceCondition RebalanceCondition
	CreatedAt          int64 // unix seconds, immutable
	LastExecutedAt     int64 // 0 until first execute or rebalance
	MaxSlippageBps     uint16

	// Revision is store metadata for optimistic concurrency.
	Revision uint64
}

// NeverExecuted reports whether the strategy has not run yet.
func (s *StrategyConfig) NeverExecuted() bool {
	return s.LastExecutedAt == 0
}

// Clone returns a deep copy of the strategy.
func (s *StrategyConfig) Clone() *StrategyConfig {
	if s == nil {
		return nil
	}
	c := *s
	if s.Allocations != nil {
		c.Allocations = make([]Allocation, len(s.Allocations))
		copy(c.Allocations, s.Allocations)
	}
	return &c
}
