// Package adapter is the seam between vault lifecycle logic and external
// lending protocols. Each protocol gets one Adapter; the Registry dispatches
// on the vault's protocol tag so new protocols never touch vault control flow.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"yield-vault/internal/domain"
	"yield-vault/internal/storage"
)

var (
	// ErrNoAdapter is returned when no adapter is registered for a protocol.
	ErrNoAdapter = errors.New("no adapter registered for protocol")

	// ErrDuplicateAdapter is returned when a protocol is registered twice.
	ErrDuplicateAdapter = errors.New("adapter already registered for protocol")

	// ErrMissingAccount is returned when a protocol account was not supplied.
	ErrMissingAccount = errors.New("missing protocol account")

	// ErrRemoteCallFailed wraps any failure of the protocol program call.
	ErrRemoteCallFailed = errors.New("remote call failed")
)

// Adapter translates vault deposit and withdraw intents into the call shape
// of one lending protocol. Adapters never retry.
type Adapter interface {
	// Protocol returns the tag this adapter services.
	Protocol() domain.Protocol

	// Supply moves inv.Amount from inv.TokenAccount into the protocol's
	// reserve, crediting a position attributable to inv.Vault.
	Supply(ctx context.Context, inv Invocation) error

	// Redeem reverses a prior supply, returning tokens to inv.TokenAccount.
	Redeem(ctx context.Context, inv Invocation) error

	// Outstanding returns the vault's remaining position across all of its projects.
	Outstanding(ctx context.Context, inv Invocation) (uint64, error)
}

// Invocation is everything an adapter needs for one call. The vault fields
// and TokenAccount are checked by the caller before the adapter runs;
// Remote accounts are not.
type Invocation struct {
	Tx storage.Tx // runtime capability for token movement

	Vault     domain.Address
	Projects  []domain.Address
	Mint      domain.Address
	Authority domain.Address // signer moving the funds
	ProjectID domain.Address
	Amount    uint64

	TokenAccount domain.Address // authority's holding account of Mint
	Remote       RemoteAccounts
}

// Unverified holds a value accepted without local validation. The program
// it is forwarded to is responsible for checking it.
type Unverified[T any] struct {
	value T
}

// Unchecked wraps v as unverified.
func Unchecked[T any](v T) Unverified[T] {
	return Unverified[T]{value: v}
}

// ForwardUnchecked returns the raw value for handing to a downstream program.
func (u Unverified[T]) ForwardUnchecked() T {
	return u.value
}

// RemoteAccounts are protocol accounts keyed by adapter-defined names.
type RemoteAccounts map[string]Unverified[domain.Address]

// Get returns the named account or ErrMissingAccount.
func (r RemoteAccounts) Get(name string) (Unverified[domain.Address], error) {
	a, ok := r[name]
	if !ok {
		return Unverified[domain.Address]{}, fmt.Errorf("%w: %s", ErrMissingAccount, name)
	}
	return a, nil
}

// ParseRemoteAccounts converts base58 strings into unverified accounts.
func ParseRemoteAccounts(raw map[string]string) (RemoteAccounts, error) {
	out := make(RemoteAccounts, len(raw))
	for name, s := range raw {
		addr, err := domain.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", name, err)
		}
		out[name] = Unchecked(addr)
	}
	return out, nil
}
