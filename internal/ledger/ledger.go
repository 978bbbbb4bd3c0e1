// Package ledger applies checked balance arithmetic to a profile.
package ledger

import (
	"math/bits"

	"github.com/Erio-Harrison/defi-tools/internal/domain"
)

// Deposit credits amount to the profile total.
//
// A zero amount fails with ErrInsufficientFunds and leaves p untouched.
// Otherwise LastActivity is set to now before the addition, so an overflow
// returns ErrMathError with the activity timestamp already refreshed and the
// balance unchanged. Callers persist that refresh.
func Deposit(p *domain.UserProfile, amount uint64, now int64) error {
	if amount == 0 {
		return domain.ErrInsufficientFunds
	}
	p.LastActivity = now

	sum, carry := bits.Add64(p.TotalValueLamports, amount, 0)
	if carry != 0 {
		return domain.ErrMathError
	}
	p.TotalValueLamports = sum
	return nil
}

// Withdraw debits amount from the profile total. All checks run before any
// mutation; on error p is untouched.
func Withdraw(p *domain.UserProfile, amount uint64, now int64) error {
	if amount == 0 || amount > p.TotalValueLamports {
		return domain.ErrInsufficientFunds
	}

	diff, borrow := bits.Sub64(p.TotalValueLamports, amount, 0)
	if borrow != 0 {
		return domain.ErrMathError
	}
	p.TotalValueLamports = diff
	p.LastActivity = now
	return nil
}
