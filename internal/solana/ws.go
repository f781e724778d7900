package solana

import (
	"context"

	"yield-vault/internal/domain"
)

// WSClient defines Solana WebSocket subscription interface.
type WSClient interface {
	// SubscribeAccount streams every change of the account at addr.
	SubscribeAccount(ctx context.Context, addr domain.Address) (<-chan AccountNotification, error)

	// Close closes the WebSocket connection and all subscription channels.
	Close() error
}

// AccountNotification is one accountNotification message.
// Account is nil when the account was closed.
type AccountNotification struct {
	Address domain.Address
	Slot    uint64
	Account *AccountInfo
}
