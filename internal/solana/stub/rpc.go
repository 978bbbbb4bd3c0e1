package stub

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"sync"

	"github.com/mr-tron/base58"

	"github.com/Erio-Harrison/defi-tools/internal/solana"
)

// RPCClient implements solana.RPCClient for testing.
type RPCClient struct {
	mu         sync.RWMutex
	Accounts   map[string]*solana.AccountInfo // keyed by pubkey
	Slot       int64
	BlockTimes map[int64]int64
	Err        error // returned by every call when set
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Accounts:   make(map[string]*solana.AccountInfo),
		BlockTimes: make(map[int64]int64),
	}
}

// SetAccount stores raw account data under pubkey, owned by program.
func (c *RPCClient) SetAccount(pubkey, program string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Accounts[pubkey] = &solana.AccountInfo{
		Lamports: uint64(len(data)) * 6960,
		Owner:    program,
		Data:     base64.StdEncoding.EncodeToString(data),
	}
}

// SetBlockTime sets the current slot and its block time.
func (c *RPCClient) SetBlockTime(slot, unixSeconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Slot = slot
	c.BlockTimes[slot] = unixSeconds
}

// GetAccountInfo returns the stored account or nil.
func (c *RPCClient) GetAccountInfo(_ context.Context, pubkey string) (*solana.AccountInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Err != nil {
		return nil, c.Err
	}
	acc, ok := c.Accounts[pubkey]
	if !ok {
		return nil, nil
	}
	accCopy := *acc
	return &accCopy, nil
}

// GetMultipleAccounts returns stored accounts in request order.
func (c *RPCClient) GetMultipleAccounts(ctx context.Context, pubkeys []string) ([]*solana.AccountInfo, error) {
	out := make([]*solana.AccountInfo, len(pubkeys))
	for i, k := range pubkeys {
		acc, err := c.GetAccountInfo(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = acc
	}
	return out, nil
}

// GetProgramAccounts returns stored accounts of program matching every filter,
// ordered by pubkey.
func (c *RPCClient) GetProgramAccounts(_ context.Context, program string, filters []solana.MemcmpFilter) ([]solana.KeyedAccount, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Err != nil {
		return nil, c.Err
	}

	var out []solana.KeyedAccount
	for key, acc := range c.Accounts {
		if acc.Owner != program {
			continue
		}
		data, err := acc.Bytes()
		if err != nil {
			return nil, err
		}
		if matches(data, filters) {
			out = append(out, solana.KeyedAccount{Pubkey: key, Account: *acc})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Pubkey, out[j].Pubkey) < 0
	})
	return out, nil
}

func matches(data []byte, filters []solana.MemcmpFilter) bool {
	for _, f := range filters {
		want, err := base58.Decode(f.Bytes)
		if err != nil {
			return false
		}
		end := f.Offset + uint64(len(want))
		if end > uint64(len(data)) || string(data[f.Offset:end]) != string(want) {
			return false
		}
	}
	return true
}

// GetSlot returns the configured slot.
func (c *RPCClient) GetSlot(_ context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Err != nil {
		return 0, c.Err
	}
	return c.Slot, nil
}

// GetBlockTime returns the configured block time or nil.
func (c *RPCClient) GetBlockTime(_ context.Context, slot int64) (*int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Err != nil {
		return nil, c.Err
	}
	ts, ok := c.BlockTimes[slot]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

var _ solana.RPCClient = (*RPCClient)(nil)
