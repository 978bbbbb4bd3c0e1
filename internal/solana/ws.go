package solana

import "context"

// WSClient defines Solana WebSocket subscription interface.
type WSClient interface {
	// SubscribeAccount streams changes of one account until ctx is done or
	// the client is closed; the channel is closed afterwards.
	SubscribeAccount(ctx context.Context, pubkey string) (<-chan AccountNotification, error)

	// Close closes the WebSocket connection.
	Close() error
}

// AccountNotification represents an accountSubscribe message.
type AccountNotification struct {
	Pubkey  string
	Slot    int64
	Account AccountInfo
}
