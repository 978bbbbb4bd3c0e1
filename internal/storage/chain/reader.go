// Package chain reads ledger accounts straight from a Solana cluster. It is
// read-only: records come back in the program's layout without a Revision.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/Erio-Harrison/defi-tools/internal/codec"
	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/pda"
	"github.com/Erio-Harrison/defi-tools/internal/solana"
	"github.com/Erio-Harrison/defi-tools/internal/storage"
)

// MaxBatch is the getMultipleAccounts key limit of public RPC nodes.
const MaxBatch = 100

// ErrForeignAccount is returned when an address holds an account owned by
// another program.
var ErrForeignAccount = errors.New("account not owned by program")

// Reader fetches and decodes profile and strategy accounts.
type Reader struct {
	rpc       solana.RPCClient
	programID string
}

// NewReader creates a Reader for programID. An empty programID uses pda.DefaultProgramID.
func NewReader(rpc solana.RPCClient, programID string) *Reader {
	if programID == "" {
		programID = pda.DefaultProgramID
	}
	return &Reader{rpc: rpc, programID: programID}
}

// GetProfile fetches the profile account of owner. Returns storage.ErrNotFound if absent.
func (r *Reader) GetProfile(ctx context.Context, owner string) (*domain.UserProfile, error) {
	addr, err := pda.ProfileAddress(owner, r.programID)
	if err != nil {
		return nil, fmt.Errorf("derive profile address: %w", err)
	}
	data, err := r.fetch(ctx, addr.Key)
	if err != nil {
		return nil, err
	}
	p, err := codec.DecodeProfile(data)
	if err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", addr.Key, err)
	}
	return p, nil
}

// GetStrategy fetches one strategy account. Returns storage.ErrNotFound if absent.
func (r *Reader) GetStrategy(ctx context.Context, owner string, strategyID uint64) (*domain.StrategyConfig, error) {
	addr, err := pda.StrategyAddress(owner, strategyID, r.programID)
	if err != nil {
		return nil, fmt.Errorf("derive strategy address: %w", err)
	}
	data, err := r.fetch(ctx, addr.Key)
	if err != nil {
		return nil, err
	}
	st, err := codec.DecodeStrategy(data)
	if err != nil {
		return nil, fmt.Errorf("decode strategy %s: %w", addr.Key, err)
	}
	return st, nil
}

// ListStrategies walks ids 0..strategy_counter-1 of owner's profile in
// batches. Ids whose account is missing are skipped.
func (r *Reader) ListStrategies(ctx context.Context, owner string) ([]*domain.StrategyConfig, error) {
	p, err := r.GetProfile(ctx, owner)
	if err != nil {
		return nil, err
	}

	var result []*domain.StrategyConfig
	for first := uint64(0); first < p.StrategyCounter; first += MaxBatch {
		n := min(p.StrategyCounter-first, MaxBatch)

		keys := make([]string, n)
		for i := range keys {
			addr, err := pda.StrategyAddress(owner, first+uint64(i), r.programID)
			if err != nil {
				return nil, fmt.Errorf("derive strategy address: %w", err)
			}
			keys[i] = addr.Key
		}

		accounts, err := r.rpc.GetMultipleAccounts(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("get strategy accounts: %w", err)
		}
		for i, acc := range accounts {
			if acc == nil {
				continue
			}
			st, err := r.decodeStrategy(keys[i], acc)
			if err != nil {
				return nil, err
			}
			result = append(result, st)
		}
	}
	return result, nil
}

// ListProfiles fetches every profile account of the program.
func (r *Reader) ListProfiles(ctx context.Context) ([]*domain.UserProfile, error) {
	disc := codec.ProfileDiscriminator()
	accounts, err := r.rpc.GetProgramAccounts(ctx, r.programID, []solana.MemcmpFilter{
		{Offset: 0, Bytes: base58.Encode(disc[:])},
	})
	if err != nil {
		return nil, fmt.Errorf("get program accounts: %w", err)
	}

	result := make([]*domain.UserProfile, 0, len(accounts))
	for _, ka := range accounts {
		data, err := ka.Account.Bytes()
		if err != nil {
			return nil, err
		}
		p, err := codec.DecodeProfile(data)
		if err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", ka.Pubkey, err)
		}
		result = append(result, p)
	}
	return result, nil
}

func (r *Reader) fetch(ctx context.Context, key string) ([]byte, error) {
	acc, err := r.rpc.GetAccountInfo(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", key, err)
	}
	if acc == nil {
		return nil, storage.ErrNotFound
	}
	if acc.Owner != r.programID {
		return nil, fmt.Errorf("%s owned by %s: %w", key, acc.Owner, ErrForeignAccount)
	}
	return acc.Bytes()
}

func (r *Reader) decodeStrategy(key string, acc *solana.AccountInfo) (*domain.StrategyConfig, error) {
	if acc.Owner != r.programID {
		return nil, fmt.Errorf("%s owned by %s: %w", key, acc.Owner, ErrForeignAccount)
	}
	data, err := acc.Bytes()
	if err != nil {
		return nil, err
	}
	st, err := codec.DecodeStrategy(data)
	if err != nil {
		return nil, fmt.Errorf("decode strategy %s: %w", key, err)
	}
	return st, nil
}
