package lifecycle

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/idhash"
	"github.com/Erio-Harrison/defi-tools/internal/observability"
	"github.com/Erio-Harrison/defi-tools/internal/storage"
)

// journal appends a committed operation to the activity store. p is the
// profile as committed. Journal failures are logged and counted, never returned:
// the ledger state is already durable.
func (s *Service) journal(ctx context.Context, op string, p *domain.UserProfile, strategyID *uint64, amount uint64, opErr error) {
	if s.activity == nil {
		return
	}

	e := &storage.ActivityEvent{
		EventID:      idhash.ComputeEventID(p.Owner, strategyID, op, p.Revision, p.LastActivity),
		Owner:        p.Owner,
		StrategyID:   strategyID,
		Operation:    op,
		Amount:       amount,
		Result:       "ok",
		BalanceAfter: p.TotalValueLamports,
		Timestamp:    p.LastActivity,
	}
	if kind := domain.KindOf(opErr); kind != nil {
		e.Result = kind.Name
		e.ErrorCode = kind.Code
	}

	if err := s.activity.Append(ctx, e); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		observability.RecordActivityError()
		s.log.Warn("activity journal append failed",
			zap.String("operation", op),
			zap.String("owner", p.Owner),
			zap.Error(err))
	}
}

// Activity returns the journal of owner within [start, end].
// It returns nil when no activity store is configured.
func (s *Service) Activity(ctx context.Context, owner string, start, end int64) ([]*storage.ActivityEvent, error) {
	if s.activity == nil {
		return nil, nil
	}
	return s.activity.GetByOwner(ctx, owner, start, end)
}

// StrategyActivity returns the journal of one strategy of owner. The strategy
// must exist; nil is returned when no activity store is configured.
func (s *Service) StrategyActivity(ctx context.Context, owner string, strategyID uint64) ([]*storage.ActivityEvent, error) {
	if _, err := s.GetStrategy(ctx, owner, strategyID); err != nil {
		return nil, err
	}
	if s.activity == nil {
		return nil, nil
	}
	return s.activity.GetByStrategy(ctx, owner, strategyID)
}
