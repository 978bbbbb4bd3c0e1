package lifecycle

import (
	"fmt"

	"github.com/Erio-Harrison/defi-tools/internal/adapter"
)

// AdapterError reports a protocol adapter failure after the state transition
// was committed. The ledger state is not rolled back.
type AdapterError struct {
	Action     adapter.Action
	Owner      string
	StrategyID uint64
	Err        error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("protocol adapter %s for strategy %d of %s: %v", e.Action, e.StrategyID, e.Owner, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}
