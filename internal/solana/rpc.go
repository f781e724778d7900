package solana

import (
	"context"

	"yield-vault/internal/domain"
)

// RPCClient defines the Solana RPC HTTP methods used to mirror vault accounts.
type RPCClient interface {
	// GetMultipleAccounts retrieves accounts in request order; missing accounts are nil.
	GetMultipleAccounts(ctx context.Context, addrs []domain.Address) ([]*AccountInfo, error)

	// GetSlot retrieves the current slot.
	GetSlot(ctx context.Context) (uint64, error)

	// GetMinimumBalanceForRentExemption returns the rent-exempt balance for space bytes.
	GetMinimumBalanceForRentExemption(ctx context.Context, space int) (uint64, error)
}
