package domain

import "fmt"

// Protocol is an abstract protocol slot. Known values carry display names only;
// unknown slots are valid.
type Protocol uint8

// Known protocol slots.
const (
	ProtocolRaydium Protocol = 0
	ProtocolSolend  Protocol = 1
	ProtocolOrca    Protocol = 2
	ProtocolMango   Protocol = 3
)

var protocolNames = map[Protocol]string{
	ProtocolRaydium: "raydium",
	ProtocolSolend:  "solend",
	ProtocolOrca:    "orca",
	ProtocolMango:   "mango",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return fmt.Sprintf("protocol(%d)", uint8(p))
}

// Asset is an abstract asset slot.
type Asset uint8

// Known asset slots.
const (
	AssetSOL  Asset = 0
	AssetUSDC Asset = 1
	AssetUSDT Asset = 2
)

var assetNames = map[Asset]string{
	AssetSOL:  "SOL",
	AssetUSDC: "USDC",
	AssetUSDT: "USDT",
}

func (a Asset) String() string {
	if name, ok := assetNames[a]; ok {
		return name
	}
	return fmt.Sprintf("asset(%d)", uint8(a))
}
