package memory

import (
	"context"
	"fmt"
	"math"
	"sync"

	"yield-vault/internal/domain"
	"yield-vault/internal/storage"
)

// Ledger is an in-memory implementation of storage.Ledger.
// Units run one at a time. Each unit writes into a private overlay that is
// merged into the committed state only when the unit succeeds; entries are
// copied on their first write, so read-only units copy nothing.
type Ledger struct {
	mu       sync.Mutex
	accounts map[domain.Address]*domain.Account
	tokens   map[domain.Address]*domain.TokenAccount
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[domain.Address]*domain.Account),
		tokens:   make(map[domain.Address]*domain.TokenAccount),
	}
}

// Atomic runs fn against an overlay and commits it if fn returns nil.
func (l *Ledger) Atomic(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &ledgerTx{
		base:     l,
		accounts: make(map[domain.Address]*domain.Account),
		tokens:   make(map[domain.Address]*domain.TokenAccount),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for addr, a := range tx.accounts {
		if a == nil {
			delete(l.accounts, addr)
			continue
		}
		l.accounts[addr] = a
	}
	for addr, t := range tx.tokens {
		l.tokens[addr] = t
	}
	return nil
}

// Airdrop credits lamports to addr outside of any unit.
func (l *Ledger) Airdrop(ctx context.Context, addr domain.Address, lamports uint64) error {
	return l.Atomic(ctx, func(tx storage.Tx) error {
		return tx.(*ledgerTx).credit(addr, lamports)
	})
}

// MintTo credits amount to an existing token account outside of any unit.
func (l *Ledger) MintTo(ctx context.Context, tokenAccount domain.Address, amount uint64) error {
	return l.Atomic(ctx, func(tx storage.Tx) error {
		t, ok := tx.(*ledgerTx).writableToken(tokenAccount)
		if !ok {
			return storage.ErrNotFound
		}
		if t.Amount > math.MaxUint64-amount {
			return storage.ErrOverflow
		}
		t.Amount += amount
		return nil
	})
}

// ledgerTx is the overlay of a single unit. A nil entry in accounts marks
// a closed account.
type ledgerTx struct {
	base     *Ledger
	accounts map[domain.Address]*domain.Account
	tokens   map[domain.Address]*domain.TokenAccount
}

// account returns the current view of addr. The result must not be modified.
func (tx *ledgerTx) account(addr domain.Address) (*domain.Account, bool) {
	if a, ok := tx.accounts[addr]; ok {
		return a, a != nil
	}
	a, ok := tx.base.accounts[addr]
	return a, ok
}

// writableAccount returns addr's overlay entry, copying it in on first use.
func (tx *ledgerTx) writableAccount(addr domain.Address) (*domain.Account, bool) {
	if a, ok := tx.accounts[addr]; ok {
		return a, a != nil
	}
	a, ok := tx.base.accounts[addr]
	if !ok {
		return nil, false
	}
	a = a.Clone()
	tx.accounts[addr] = a
	return a, true
}

func (tx *ledgerTx) token(addr domain.Address) (*domain.TokenAccount, bool) {
	if t, ok := tx.tokens[addr]; ok {
		return t, true
	}
	t, ok := tx.base.tokens[addr]
	return t, ok
}

func (tx *ledgerTx) writableToken(addr domain.Address) (*domain.TokenAccount, bool) {
	if t, ok := tx.tokens[addr]; ok {
		return t, true
	}
	t, ok := tx.base.tokens[addr]
	if !ok {
		return nil, false
	}
	tokenCopy := *t
	tx.tokens[addr] = &tokenCopy
	return &tokenCopy, true
}

func (tx *ledgerTx) GetAccount(_ context.Context, addr domain.Address) (*domain.Account, error) {
	a, ok := tx.account(addr)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return a.Clone(), nil
}

func (tx *ledgerTx) CreateAccount(_ context.Context, funder domain.Address, a *domain.Account) error {
	if a == nil || a.Address.IsZero() {
		return storage.ErrInvalidInput
	}
	if _, exists := tx.account(a.Address); exists {
		return storage.ErrDuplicateKey
	}
	if err := tx.debit(funder, a.Lamports); err != nil {
		return err
	}
	tx.accounts[a.Address] = a.Clone()
	return nil
}

func (tx *ledgerTx) WriteAccountData(_ context.Context, addr domain.Address, data []byte) error {
	a, ok := tx.writableAccount(addr)
	if !ok {
		return storage.ErrNotFound
	}
	if len(data) != len(a.Data) {
		return fmt.Errorf("%w: write of %d bytes into %d byte account", storage.ErrInvalidInput, len(data), len(a.Data))
	}
	copy(a.Data, data)
	return nil
}

func (tx *ledgerTx) CloseAccount(_ context.Context, addr, refundTo domain.Address) (uint64, error) {
	a, ok := tx.account(addr)
	if !ok {
		return 0, storage.ErrNotFound
	}
	if addr == refundTo {
		return 0, storage.ErrInvalidInput
	}
	refunded := a.Lamports
	tx.accounts[addr] = nil
	if err := tx.credit(refundTo, refunded); err != nil {
		return 0, err
	}
	return refunded, nil
}

func (tx *ledgerTx) Lamports(_ context.Context, addr domain.Address) (uint64, error) {
	if a, ok := tx.account(addr); ok {
		return a.Lamports, nil
	}
	return 0, nil
}

func (tx *ledgerTx) TransferLamports(_ context.Context, from, to domain.Address, amount uint64) error {
	if err := tx.debit(from, amount); err != nil {
		return err
	}
	return tx.credit(to, amount)
}

func (tx *ledgerTx) GetTokenAccount(_ context.Context, addr domain.Address) (*domain.TokenAccount, error) {
	t, ok := tx.token(addr)
	if !ok {
		return nil, storage.ErrNotFound
	}
	tokenCopy := *t
	return &tokenCopy, nil
}

func (tx *ledgerTx) CreateTokenAccount(_ context.Context, t *domain.TokenAccount) error {
	if t == nil || t.Address.IsZero() || t.Mint.IsZero() {
		return storage.ErrInvalidInput
	}
	if _, exists := tx.token(t.Address); exists {
		return storage.ErrDuplicateKey
	}
	tokenCopy := *t
	tx.tokens[t.Address] = &tokenCopy
	return nil
}

func (tx *ledgerTx) TransferTokens(_ context.Context, from, to domain.Address, amount uint64) error {
	src, ok := tx.token(from)
	if !ok {
		return fmt.Errorf("source token account %s: %w", from, storage.ErrNotFound)
	}
	dst, ok := tx.token(to)
	if !ok {
		return fmt.Errorf("destination token account %s: %w", to, storage.ErrNotFound)
	}
	if src.Mint != dst.Mint {
		return storage.ErrMintMismatch
	}
	if src.Amount < amount {
		return storage.ErrInsufficientFunds
	}
	if from == to {
		return nil
	}
	if dst.Amount > math.MaxUint64-amount {
		return storage.ErrOverflow
	}
	src, _ = tx.writableToken(from)
	dst, _ = tx.writableToken(to)
	src.Amount -= amount
	dst.Amount += amount
	return nil
}

func (tx *ledgerTx) debit(addr domain.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	a, ok := tx.writableAccount(addr)
	if !ok || a.Lamports < amount {
		return storage.ErrInsufficientFunds
	}
	a.Lamports -= amount
	return nil
}

func (tx *ledgerTx) credit(addr domain.Address, amount uint64) error {
	a, ok := tx.writableAccount(addr)
	if !ok {
		tx.accounts[addr] = &domain.Account{
			Address:  addr,
			Owner:    domain.SystemProgramID,
			Lamports: amount,
		}
		return nil
	}
	if a.Lamports > math.MaxUint64-amount {
		return storage.ErrOverflow
	}
	a.Lamports += amount
	return nil
}

// Verify interface compliance at compile time.
var (
	_ storage.Ledger = (*Ledger)(nil)
	_ storage.Faucet = (*Ledger)(nil)
	_ storage.Tx     = (*ledgerTx)(nil)
)
