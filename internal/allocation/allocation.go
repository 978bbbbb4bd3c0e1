// Package allocation validates strategy allocation vectors.
package allocation

import "github.com/Erio-Harrison/defi-tools/internal/domain"

// Validate checks that weights sum to exactly domain.TotalWeightBps and that
// the slippage bound is within domain.MaxSlippageBps. The sum is checked first.
// There is no limit on the number of entries.
func Validate(allocations []domain.Allocation, maxSlippageBps uint16) error {
	if Sum(allocations) != domain.TotalWeightBps {
		return domain.ErrInvalidAllocation
	}
	if maxSlippageBps > domain.MaxSlippageBps {
		return domain.ErrInvalidSlippage
	}
	return nil
}

// Sum adds the target weights in a 64-bit accumulator, so vectors whose u16
// sum would wrap to 10000 are still rejected.
func Sum(allocations []domain.Allocation) uint64 {
	var total uint64
	for _, a := range allocations {
		total += uint64(a.TargetWeightBps)
	}
	return total
}
