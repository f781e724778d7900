// Package stub provides in-memory Solana clients for tests.
package stub

import (
	"context"
	"sync"

	"yield-vault/internal/domain"
	"yield-vault/internal/solana"
	"yield-vault/internal/storage"
)

// RPCClient implements solana.RPCClient over an account map.
type RPCClient struct {
	mu       sync.RWMutex
	Accounts map[domain.Address]*solana.AccountInfo
	Slot     uint64
	Err      error // returned by every call when set
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{Accounts: make(map[domain.Address]*solana.AccountInfo)}
}

// SetAccount stores an account. A nil info deletes it.
func (c *RPCClient) SetAccount(addr domain.Address, info *solana.AccountInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info == nil {
		delete(c.Accounts, addr)
		return
	}
	cp := *info
	cp.Address = addr
	c.Accounts[addr] = &cp
}

// GetMultipleAccounts returns copies of stored accounts aligned with addrs.
// Missing accounts are nil.
func (c *RPCClient) GetMultipleAccounts(_ context.Context, addrs []domain.Address) ([]*solana.AccountInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Err != nil {
		return nil, c.Err
	}

	out := make([]*solana.AccountInfo, len(addrs))
	for i, a := range addrs {
		info, ok := c.Accounts[a]
		if !ok {
			continue
		}
		cp := *info
		cp.Slot = c.Slot
		out[i] = &cp
	}
	return out, nil
}

// GetSlot returns Slot.
func (c *RPCClient) GetSlot(context.Context) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Slot, c.Err
}

// GetMinimumBalanceForRentExemption uses the default rent schedule.
func (c *RPCClient) GetMinimumBalanceForRentExemption(_ context.Context, space int) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return storage.MinimumBalance(space), c.Err
}

var _ solana.RPCClient = (*RPCClient)(nil)
