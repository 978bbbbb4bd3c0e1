package solana

import (
	"encoding/base64"
	"fmt"
)

// AccountInfo represents Solana account information.
type AccountInfo struct {
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Data       string `json:"data"` // base64 encoded
	Executable bool   `json:"executable"`
	RentEpoch  uint64 `json:"rentEpoch"`
}

// Bytes decodes the account data.
func (a *AccountInfo) Bytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("decode account data: %w", err)
	}
	return b, nil
}

// KeyedAccount is an account with its address, as returned by getProgramAccounts.
type KeyedAccount struct {
	Pubkey  string
	Account AccountInfo
}

// MemcmpFilter matches accounts whose data at Offset equals Bytes (base58).
type MemcmpFilter struct {
	Offset uint64
	Bytes  string
}
