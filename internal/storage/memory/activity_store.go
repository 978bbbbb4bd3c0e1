package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Erio-Harrison/defi-tools/internal/storage"
)

// ActivityStore is an in-memory implementation of storage.ActivityStore.
type ActivityStore struct {
	mu     sync.RWMutex
	events []*storage.ActivityEvent
	ids    map[string]struct{}
}

// NewActivityStore creates a new in-memory activity store.
func NewActivityStore() *ActivityStore {
	return &ActivityStore{ids: make(map[string]struct{})}
}

// Append adds an event. Returns ErrDuplicateKey if event_id exists.
func (s *ActivityStore) Append(_ context.Context, e *storage.ActivityEvent) error {
	if e == nil || e.EventID == "" || e.Owner == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[e.EventID]; exists {
		return storage.ErrDuplicateKey
	}
	s.ids[e.EventID] = struct{}{}
	s.events = append(s.events, copyEvent(e))
	return nil
}

// GetByOwner retrieves events of owner within [start, end] (inclusive).
func (s *ActivityStore) GetByOwner(_ context.Context, owner string, start, end int64) ([]*storage.ActivityEvent, error) {
	return s.filter(func(e *storage.ActivityEvent) bool {
		return e.Owner == owner && e.Timestamp >= start && e.Timestamp <= end
	}), nil
}

// GetByStrategy retrieves events of one strategy.
func (s *ActivityStore) GetByStrategy(_ context.Context, owner string, strategyID uint64) ([]*storage.ActivityEvent, error) {
	return s.filter(func(e *storage.ActivityEvent) bool {
		return e.Owner == owner && e.StrategyID != nil && *e.StrategyID == strategyID
	}), nil
}

func (s *ActivityStore) filter(keep func(*storage.ActivityEvent) bool) []*storage.ActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.ActivityEvent
	for _, e := range s.events {
		if keep(e) {
			result = append(result, copyEvent(e))
		}
	}

	// Stable keeps append order for events in the same second
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})
	return result
}

func copyEvent(e *storage.ActivityEvent) *storage.ActivityEvent {
	c := *e
	if e.StrategyID != nil {
		id := *e.StrategyID
		c.StrategyID = &id
	}
	return &c
}

var _ storage.ActivityStore = (*ActivityStore)(nil)
