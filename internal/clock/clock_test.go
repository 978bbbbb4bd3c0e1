package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Erio-Harrison/defi-tools/internal/solana/stub"
)

func TestSystem_FakeClock(t *testing.T) {
	fake := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	c := FromClockwork(fake)
	ctx := context.Background()

	now, err := c.Now(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), now)

	fake.Advance(time.Hour)
	now, err = c.Now(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1700003600), now)
}

func TestSystem_Real(t *testing.T) {
	now, err := NewSystem().Now(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), now, 2)
}

func TestChain_Now(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.SetBlockTime(250, 1700000000)
	c := NewChain(rpc)
	ctx := context.Background()

	now, err := c.Now(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), now)

	// a lagging node must not move time backwards
	rpc.SetBlockTime(251, 1699999990)
	now, err = c.Now(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), now)

	rpc.SetBlockTime(252, 1700000400)
	now, err = c.Now(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000400), now)
}

func TestChain_Errors(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.Slot = 10
	c := NewChain(rpc)

	_, err := c.Now(context.Background())
	assert.ErrorIs(t, err, ErrNoBlockTime)

	boom := errors.New("rpc down")
	rpc.Err = boom
	_, err = c.Now(context.Background())
	assert.ErrorIs(t, err, boom)
}
