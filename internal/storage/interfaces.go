package storage

import (
	"context"

	"yield-vault/internal/domain"
)

// Ledger runs atomic units of work against account state.
// Conflicting units are serialized; a unit either commits every write or none.
type Ledger interface {
	// Atomic runs fn inside a single unit. Any error returned by fn discards
	// all writes made through tx and is returned unchanged.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the account and token capability a unit of work operates on.
type Tx interface {
	// GetAccount retrieves an account. Returns ErrNotFound if not exists.
	GetAccount(ctx context.Context, addr domain.Address) (*domain.Account, error)

	// CreateAccount allocates a new account, debiting a.Lamports from funder.
	// Returns ErrDuplicateKey if an account already exists at a.Address and
	// ErrInsufficientFunds if funder cannot cover the lamports.
	CreateAccount(ctx context.Context, funder domain.Address, a *domain.Account) error

	// WriteAccountData overwrites account data. The length must match the
	// allocated size; accounts are never resized. Returns ErrNotFound if not exists.
	WriteAccountData(ctx context.Context, addr domain.Address, data []byte) error

	// CloseAccount deletes an account and credits its lamports to refundTo.
	// Returns the refunded lamports.
	CloseAccount(ctx context.Context, addr, refundTo domain.Address) (uint64, error)

	// Lamports returns the balance of addr, zero if the account does not exist.
	Lamports(ctx context.Context, addr domain.Address) (uint64, error)

	// TransferLamports moves lamports between accounts, creating a system
	// account for to if needed. Returns ErrInsufficientFunds on shortfall.
	TransferLamports(ctx context.Context, from, to domain.Address, amount uint64) error

	// GetTokenAccount retrieves a token account. Returns ErrNotFound if not exists.
	GetTokenAccount(ctx context.Context, addr domain.Address) (*domain.TokenAccount, error)

	// CreateTokenAccount adds an empty or pre-funded token account.
	// Returns ErrDuplicateKey if it exists.
	CreateTokenAccount(ctx context.Context, t *domain.TokenAccount) error

	// TransferTokens moves amount between token accounts of the same mint.
	// Returns ErrMintMismatch or ErrInsufficientFunds.
	TransferTokens(ctx context.Context, from, to domain.Address, amount uint64) error
}

// Faucet credits balances out of thin air. Only genesis and development
// tooling uses it; vault operations never do.
type Faucet interface {
	// Airdrop credits lamports to addr, creating a system account if needed.
	Airdrop(ctx context.Context, addr domain.Address, lamports uint64) error

	// MintTo credits amount to an existing token account.
	MintTo(ctx context.Context, tokenAccount domain.Address, amount uint64) error
}

// VaultEventStore provides access to vault_events storage.
type VaultEventStore interface {
	// Insert adds a new event. Returns ErrDuplicateKey if event_id exists.
	Insert(ctx context.Context, e *domain.VaultEvent) error

	// GetByVault retrieves all events for a vault address, ordered by occurred_at ASC.
	GetByVault(ctx context.Context, vault string) ([]*domain.VaultEvent, error)

	// GetByOwner retrieves all events for an owner, ordered by occurred_at ASC.
	GetByOwner(ctx context.Context, owner string) ([]*domain.VaultEvent, error)

	// GetByTimeRange retrieves events within [start, end] (inclusive).
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.VaultEvent, error)
}
