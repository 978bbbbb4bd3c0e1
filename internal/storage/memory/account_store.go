package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/storage"
)

type strategyKey struct {
	owner string
	id    uint64
}

// AccountStore is an in-memory implementation of storage.AccountStore.
type AccountStore struct {
	mu         sync.RWMutex
	profiles   map[string]*domain.UserProfile       // keyed by owner
	strategies map[strategyKey]*domain.StrategyConfig // keyed by (owner, strategy_id)
}

// NewAccountStore creates a new in-memory account store.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		profiles:   make(map[string]*domain.UserProfile),
		strategies: make(map[strategyKey]*domain.StrategyConfig),
	}
}

// GetProfile retrieves the profile of owner. Returns ErrNotFound if not exists.
func (s *AccountStore) GetProfile(_ context.Context, owner string) (*domain.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.profiles[owner]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// GetStrategy retrieves a strategy by (owner, strategyID). Returns ErrNotFound if not exists.
func (s *AccountStore) GetStrategy(_ context.Context, owner string, strategyID uint64) (*domain.StrategyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.strategies[strategyKey{owner, strategyID}]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return st.Clone(), nil
}

// ListStrategies retrieves all strategies of owner, ordered by strategy_id ASC.
func (s *AccountStore) ListStrategies(_ context.Context, owner string) ([]*domain.StrategyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.StrategyConfig
	for k, st := range s.strategies {
		if k.owner == owner {
			result = append(result, st.Clone())
		}
	}
	sortStrategies(result)
	return result, nil
}

// ListAutoRebalance retrieves every strategy with auto_rebalance set.
func (s *AccountStore) ListAutoRebalance(_ context.Context) ([]*domain.StrategyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.StrategyConfig
	for _, st := range s.strategies {
		if st.RebalanceCondition.AutoRebalance {
			result = append(result, st.Clone())
		}
	}
	sortStrategies(result)
	return result, nil
}

// CreateProfile inserts a new profile. Returns ErrDuplicateKey if owner exists.
func (s *AccountStore) CreateProfile(ctx context.Context, p *domain.UserProfile) error {
	if p == nil || p.Revision != 0 {
		return storage.ErrInvalidInput
	}
	return s.Commit(ctx, storage.Changeset{Profile: p})
}

// SaveProfile replaces a profile read at p.Revision. Returns ErrConflict if stale.
func (s *AccountStore) SaveProfile(ctx context.Context, p *domain.UserProfile) error {
	if p == nil || p.Revision == 0 {
		return storage.ErrInvalidInput
	}
	return s.Commit(ctx, storage.Changeset{Profile: p})
}

// Commit writes the changeset atomically. All checks run under the write lock
// before any record is stored.
func (s *AccountStore) Commit(_ context.Context, cs storage.Changeset) error {
	if cs.Empty() {
		return storage.ErrInvalidInput
	}
	if (cs.Profile != nil && cs.Profile.Owner == "") || (cs.Strategy != nil && cs.Strategy.Owner == "") {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p := cs.Profile; p != nil {
		if err := checkRevision(s.profiles[p.Owner] != nil, storedProfileRevision(s.profiles[p.Owner]), p.Revision); err != nil {
			return err
		}
	}
	var key strategyKey
	if st := cs.Strategy; st != nil {
		key = strategyKey{st.Owner, st.StrategyID}
		if err := checkRevision(s.strategies[key] != nil, storedStrategyRevision(s.strategies[key]), st.Revision); err != nil {
			return err
		}
	}

	// Store copies to prevent external mutation
	if p := cs.Profile; p != nil {
		p.Revision++
		s.profiles[p.Owner] = p.Clone()
	}
	if st := cs.Strategy; st != nil {
		st.Revision++
		s.strategies[key] = st.Clone()
	}
	return nil
}

func checkRevision(exists bool, stored, expected uint64) error {
	switch {
	case expected == 0 && exists:
		return storage.ErrDuplicateKey
	case expected == 0:
		return nil
	case !exists:
		return storage.ErrNotFound
	case stored != expected:
		return storage.ErrConflict
	}
	return nil
}

func storedProfileRevision(p *domain.UserProfile) uint64 {
	if p == nil {
		return 0
	}
	return p.Revision
}

func storedStrategyRevision(st *domain.StrategyConfig) uint64 {
	if st == nil {
		return 0
	}
	return st.Revision
}

func sortStrategies(result []*domain.StrategyConfig) {
	sort.Slice(result, func(i, j int) bool {
		if result[i].Owner != result[j].Owner {
			return result[i].Owner < result[j].Owner
		}
		return result[i].StrategyID < result[j].StrategyID
	})
}

var _ storage.AccountStore = (*AccountStore)(nil)
