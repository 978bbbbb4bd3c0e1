package storage

import (
	"context"

	"github.com/Erio-Harrison/defi-tools/internal/domain"
)

// Changeset is the set of records one ledger operation writes.
//
// A record with Revision 0 is created and fails with ErrDuplicateKey if its key
// exists. A record with Revision > 0 replaces the stored record only if the
// stored Revision is equal; otherwise Commit fails with ErrConflict. Either
// every record is written or none is.
type Changeset struct {
	Profile  *domain.UserProfile
	Strategy *domain.StrategyConfig
}

// Empty reports whether the changeset writes nothing.
func (c Changeset) Empty() bool {
	return c.Profile == nil && c.Strategy == nil
}

// AccountStore provides keyed access to profiles and strategies.
// Profiles are keyed by owner; strategies by (owner, strategy_id).
type AccountStore interface {
	// GetProfile retrieves the profile of owner. Returns ErrNotFound if not exists.
	GetProfile(ctx context.Context, owner string) (*domain.UserProfile, error)

	// GetStrategy retrieves a strategy by (owner, strategyID). Returns ErrNotFound if not exists.
	GetStrategy(ctx context.Context, owner string, strategyID uint64) (*domain.StrategyConfig, error)

	// ListStrategies retrieves all strategies of owner, ordered by strategy_id ASC.
	ListStrategies(ctx context.Context, owner string) ([]*domain.StrategyConfig, error)

	// ListAutoRebalance retrieves every strategy with auto_rebalance set,
	// ordered by (owner, strategy_id) ASC.
	ListAutoRebalance(ctx context.Context) ([]*domain.StrategyConfig, error)

	// CreateProfile inserts a new profile. Returns ErrDuplicateKey if owner exists.
	CreateProfile(ctx context.Context, p *domain.UserProfile) error

	// SaveProfile replaces a profile read at p.Revision. Returns ErrConflict if stale.
	SaveProfile(ctx context.Context, p *domain.UserProfile) error

	// Commit writes the changeset atomically. On success the Revision of each
	// written record is advanced to the stored value.
	Commit(ctx context.Context, cs Changeset) error
}

// ActivityEvent is one entry of the ledger journal.
type ActivityEvent struct {
	EventID      string // deterministic hash of the event fields
	Owner        string
	StrategyID   *uint64 // nil for profile-level operations
	Operation    string  // create_profile, create_strategy, deposit, ...
	Amount       uint64  // lamports, 0 when not applicable
	Result       string  // ok or the error kind name
	ErrorCode    uint32  // 0 on success
	BalanceAfter uint64  // profile total after the operation
	Timestamp    int64   // unix seconds
}

// ActivityStore provides append-only access to the ledger journal.
type ActivityStore interface {
	// Append adds an event. Returns ErrDuplicateKey if event_id exists.
	Append(ctx context.Context, e *ActivityEvent) error

	// GetByOwner retrieves events of owner within [start, end] (inclusive),
	// ordered by timestamp ASC.
	GetByOwner(ctx context.Context, owner string, start, end int64) ([]*ActivityEvent, error)

	// GetByStrategy retrieves events of one strategy, ordered by timestamp ASC.
	GetByStrategy(ctx context.Context, owner string, strategyID uint64) ([]*ActivityEvent, error)
}
