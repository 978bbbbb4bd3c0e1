// Package clock supplies the unix-second timestamps ledger operations record.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/Erio-Harrison/defi-tools/internal/solana"
)

// ErrNoBlockTime is returned when the cluster has no time for the current slot.
var ErrNoBlockTime = errors.New("block time unavailable")

// Clock returns the current time in unix seconds.
type Clock interface {
	Now(ctx context.Context) (int64, error)
}

// System reads wall-clock time through clockwork, so tests can advance it.
type System struct {
	clock clockwork.Clock
}

// NewSystem returns a wall-clock Clock.
func NewSystem() *System {
	return &System{clock: clockwork.NewRealClock()}
}

// FromClockwork wraps c, typically a clockwork.FakeClock.
func FromClockwork(c clockwork.Clock) *System {
	return &System{clock: c}
}

// Now returns the wall-clock unix time.
func (s *System) Now(_ context.Context) (int64, error) {
	return s.clock.Now().Unix(), nil
}

// Chain reads the cluster's block time of the current slot.
// It never returns less than a value it returned before.
type Chain struct {
	rpc solana.RPCClient

	mu   sync.Mutex
	last int64
}

// NewChain returns a Clock backed by the cluster at rpc.
func NewChain(rpc solana.RPCClient) *Chain {
	return &Chain{rpc: rpc}
}

// Now returns the block time of the current slot.
func (c *Chain) Now(ctx context.Context) (int64, error) {
	slot, err := c.rpc.GetSlot(ctx)
	if err != nil {
		return 0, fmt.Errorf("get slot: %w", err)
	}
	ts, err := c.rpc.GetBlockTime(ctx, slot)
	if err != nil {
		return 0, fmt.Errorf("get block time for slot %d: %w", slot, err)
	}
	if ts == nil {
		return 0, fmt.Errorf("slot %d: %w", slot, ErrNoBlockTime)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if *ts > c.last {
		c.last = *ts
	}
	return c.last, nil
}

var (
	_ Clock = (*System)(nil)
	_ Clock = (*Chain)(nil)
)
