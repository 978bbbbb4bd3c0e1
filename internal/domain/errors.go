package domain

import "errors"

// Error is a ledger error kind. Kinds are flat: they never wrap a cause.
// Code is the custom error number the on-chain program reports for the same kind.
type Error struct {
	Code uint32
	Name string
	msg  string
}

func (e *Error) Error() string {
	return e.msg
}

// anchorErrorBase is the first custom error code of an Anchor program.
const anchorErrorBase = 6000

func newError(offset uint32, name, msg string) *Error {
	return &Error{Code: anchorErrorBase + offset, Name: name, msg: msg}
}

// Ledger error kinds. Codes follow the program's declaration order.
var (
	ErrUnauthorized             = newError(0, "Unauthorized", "unauthorized")
	ErrInvalidRiskLevel         = newError(1, "InvalidRiskLevel", "invalid risk level: must be within 1-5")
	ErrInvalidStrategyID        = newError(2, "InvalidStrategyId", "invalid strategy id")
	ErrInvalidAllocation        = newError(3, "InvalidAllocation", "invalid allocation: weights must sum to 10000 bps")
	ErrInvalidSlippage          = newError(4, "InvalidSlippage", "invalid slippage: must be within 0-1000 bps")
	ErrStrategyPaused           = newError(5, "StrategyPaused", "strategy paused")
	ErrInsufficientFunds        = newError(6, "InsufficientFunds", "insufficient funds")
	ErrMathError                = newError(11, "MathError", "math error")
	ErrRebalanceConditionNotMet = newError(13, "RebalanceConditionNotMet", "rebalance condition not met")

	// Store-level kinds have no program code; the runtime reports them itself.
	ErrAlreadyExists = &Error{Name: "AlreadyExists", msg: "account already exists"}
	ErrNotFound      = &Error{Name: "NotFound", msg: "account not found"}
)

// Kinds lists every error kind, in code order.
var Kinds = []*Error{
	ErrUnauthorized,
	ErrInvalidRiskLevel,
	ErrInvalidStrategyID,
	ErrInvalidAllocation,
	ErrInvalidSlippage,
	ErrStrategyPaused,
	ErrInsufficientFunds,
	ErrMathError,
	ErrRebalanceConditionNotMet,
	ErrAlreadyExists,
	ErrNotFound,
}

// KindOf returns the ledger error kind in err's chain, or nil.
func KindOf(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
