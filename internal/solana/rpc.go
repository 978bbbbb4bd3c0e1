package solana

import "context"

// RPCClient defines the Solana RPC HTTP calls the ledger reads with.
type RPCClient interface {
	// GetAccountInfo retrieves one account. Returns nil if the account does not exist.
	GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error)

	// GetMultipleAccounts retrieves accounts in request order; missing accounts are nil.
	GetMultipleAccounts(ctx context.Context, pubkeys []string) ([]*AccountInfo, error)

	// GetProgramAccounts retrieves every account owned by program matching all filters.
	GetProgramAccounts(ctx context.Context, program string, filters []MemcmpFilter) ([]KeyedAccount, error)

	// GetSlot retrieves the current slot.
	GetSlot(ctx context.Context) (int64, error)

	// GetBlockTime retrieves the estimated production time of a block.
	// Returns nil if the cluster has no time for the slot.
	GetBlockTime(ctx context.Context, slot int64) (*int64, error)
}
