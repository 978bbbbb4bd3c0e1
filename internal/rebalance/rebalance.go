// Package rebalance implements the time-gated rebalance trigger.
package rebalance

import "github.com/Erio-Harrison/defi-tools/internal/domain"

// State is the eligibility of a strategy at a point in time.
type State int

const (
	NotYetDue State = iota
	Eligible
)

func (s State) String() string {
	if s == Eligible {
		return "eligible"
	}
	return "not_yet_due"
}

// Evaluate returns Eligible when the strategy never ran or when at least
// TimeIntervalSeconds have elapsed since LastExecutedAt. A clock behind
// LastExecutedAt counts as zero elapsed.
func Evaluate(s *domain.StrategyConfig, now int64) State {
	if s.NeverExecuted() {
		return Eligible
	}
	if Elapsed(s.LastExecutedAt, now) >= s.RebalanceCondition.TimeIntervalSeconds {
		return Eligible
	}
	return NotYetDue
}

// Check returns ErrRebalanceConditionNotMet unless the strategy is Eligible.
// The caller records the execution timestamp.
func Check(s *domain.StrategyConfig, now int64) error {
	if Evaluate(s, now) != Eligible {
		return domain.ErrRebalanceConditionNotMet
	}
	return nil
}

// Elapsed returns now-since as an unsigned count, or 0 when now precedes since.
// The difference of two int64 values always fits in a uint64.
func Elapsed(since, now int64) uint64 {
	if now <= since {
		return 0
	}
	return uint64(now) - uint64(since)
}

// NextEligibleAt returns the first timestamp at which the strategy becomes
// Eligible, saturating at the int64 maximum.
func NextEligibleAt(s *domain.StrategyConfig) int64 {
	if s.NeverExecuted() {
		return 0
	}
	const maxInt64 = int64(^uint64(0) >> 1)
	interval := s.RebalanceCondition.TimeIntervalSeconds
	if interval > uint64(maxInt64) {
		return maxInt64
	}
	if s.LastExecutedAt > 0 && int64(interval) > maxInt64-s.LastExecutedAt {
		return maxInt64
	}
	return s.LastExecutedAt + int64(interval)
}
