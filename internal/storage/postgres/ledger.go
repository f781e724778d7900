package postgres

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"yield-vault/internal/domain"
	"yield-vault/internal/observability"
	"yield-vault/internal/storage"
)

// Ledger is a PostgreSQL implementation of storage.Ledger and storage.Faucet.
// Uses two tables:
//   - accounts: system and program-owned accounts (lamports + data)
//   - token_accounts: token holdings keyed by token account address
//
// Each unit is one pgx transaction; rows are locked with SELECT ... FOR UPDATE
// before they are changed.
type Ledger struct {
	pool *Pool
}

// NewLedger creates a new PostgreSQL ledger.
func NewLedger(pool *Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Atomic runs fn in a transaction, committing only if fn returns nil.
func (l *Ledger) Atomic(ctx context.Context, fn func(tx storage.Tx) error) error {
	start := time.Now()
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		return fn(&ledgerTx{tx: tx})
	})
	observability.RecordDBQuery("postgres", "ledger_unit", time.Since(start).Seconds(), err)
	return err
}

// Airdrop credits lamports to addr, creating a system account if needed.
func (l *Ledger) Airdrop(ctx context.Context, addr domain.Address, lamports uint64) error {
	return l.Atomic(ctx, func(tx storage.Tx) error {
		return tx.(*ledgerTx).credit(ctx, addr, lamports)
	})
}

// MintTo credits amount to an existing token account.
func (l *Ledger) MintTo(ctx context.Context, tokenAccount domain.Address, amount uint64) error {
	n, err := toInt64(amount)
	if err != nil {
		return err
	}
	tag, err := l.pool.Exec(ctx, `
		UPDATE token_accounts
		SET amount = amount + $2, updated_at = NOW()
		WHERE address = $1
	`, tokenAccount.String(), n)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) GetAccount(ctx context.Context, addr domain.Address) (*domain.Account, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT owner, lamports, data
		FROM accounts
		WHERE address = $1
		FOR UPDATE
	`, addr.String())

	var owner string
	var lamports int64
	var data []byte
	if err := row.Scan(&owner, &lamports, &data); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	ownerAddr, err := domain.ParseAddress(owner)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", addr, err)
	}
	return &domain.Account{
		Address:  addr,
		Owner:    ownerAddr,
		Lamports: uint64(lamports),
		Data:     data,
	}, nil
}

func (t *ledgerTx) CreateAccount(ctx context.Context, funder domain.Address, a *domain.Account) error {
	if a == nil || a.Address.IsZero() {
		return storage.ErrInvalidInput
	}
	lamports, err := toInt64(a.Lamports)
	if err != nil {
		return err
	}

	data := a.Data
	if data == nil {
		data = []byte{}
	}

	// ON CONFLICT keeps the transaction usable after a duplicate.
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO accounts (address, owner, lamports, data, updated_at)
		VALUES ($1, $2, 0, $3, NOW())
		ON CONFLICT (address) DO NOTHING
	`, a.Address.String(), a.Owner.String(), data)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}

	if err := t.debit(ctx, funder, a.Lamports); err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `UPDATE accounts SET lamports = $2 WHERE address = $1`, a.Address.String(), lamports)
	return mapError(err)
}

func (t *ledgerTx) WriteAccountData(ctx context.Context, addr domain.Address, data []byte) error {
	var size int
	err := t.tx.QueryRow(ctx, `
		SELECT length(data) FROM accounts WHERE address = $1 FOR UPDATE
	`, addr.String()).Scan(&size)
	if err != nil {
		if isNotFoundError(err) {
			return storage.ErrNotFound
		}
		return err
	}
	if len(data) != size {
		return fmt.Errorf("%w: write of %d bytes into %d byte account", storage.ErrInvalidInput, len(data), size)
	}

	_, err = t.tx.Exec(ctx, `
		UPDATE accounts SET data = $2, updated_at = NOW() WHERE address = $1
	`, addr.String(), data)
	return mapError(err)
}

func (t *ledgerTx) CloseAccount(ctx context.Context, addr, refundTo domain.Address) (uint64, error) {
	if addr == refundTo {
		return 0, storage.ErrInvalidInput
	}

	var lamports int64
	err := t.tx.QueryRow(ctx, `
		DELETE FROM accounts WHERE address = $1 RETURNING lamports
	`, addr.String()).Scan(&lamports)
	if err != nil {
		if isNotFoundError(err) {
			return 0, storage.ErrNotFound
		}
		return 0, err
	}

	if err := t.credit(ctx, refundTo, uint64(lamports)); err != nil {
		return 0, err
	}
	return uint64(lamports), nil
}

func (t *ledgerTx) Lamports(ctx context.Context, addr domain.Address) (uint64, error) {
	var lamports int64
	err := t.tx.QueryRow(ctx, `SELECT lamports FROM accounts WHERE address = $1`, addr.String()).Scan(&lamports)
	if err != nil {
		if isNotFoundError(err) {
			return 0, nil
		}
		return 0, err
	}
	return uint64(lamports), nil
}

func (t *ledgerTx) TransferLamports(ctx context.Context, from, to domain.Address, amount uint64) error {
	if err := t.debit(ctx, from, amount); err != nil {
		return err
	}
	return t.credit(ctx, to, amount)
}

func (t *ledgerTx) GetTokenAccount(ctx context.Context, addr domain.Address) (*domain.TokenAccount, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT mint, owner, amount
		FROM token_accounts
		WHERE address = $1
		FOR UPDATE
	`, addr.String())

	var mint, owner string
	var amount int64
	if err := row.Scan(&mint, &owner, &amount); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	ta := &domain.TokenAccount{Address: addr, Amount: uint64(amount)}
	var err error
	if ta.Mint, err = domain.ParseAddress(mint); err != nil {
		return nil, fmt.Errorf("token account %s mint: %w", addr, err)
	}
	if ta.Owner, err = domain.ParseAddress(owner); err != nil {
		return nil, fmt.Errorf("token account %s owner: %w", addr, err)
	}
	return ta, nil
}

func (t *ledgerTx) CreateTokenAccount(ctx context.Context, ta *domain.TokenAccount) error {
	if ta == nil || ta.Address.IsZero() || ta.Mint.IsZero() {
		return storage.ErrInvalidInput
	}
	amount, err := toInt64(ta.Amount)
	if err != nil {
		return err
	}

	tag, err := t.tx.Exec(ctx, `
		INSERT INTO token_accounts (address, mint, owner, amount, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (address) DO NOTHING
	`, ta.Address.String(), ta.Mint.String(), ta.Owner.String(), amount)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

func (t *ledgerTx) TransferTokens(ctx context.Context, from, to domain.Address, amount uint64) error {
	n, err := toInt64(amount)
	if err != nil {
		return err
	}

	// Lock both rows in address order.
	rows, err := t.tx.Query(ctx, `
		SELECT address, mint, amount
		FROM token_accounts
		WHERE address = ANY($1)
		ORDER BY address
		FOR UPDATE
	`, []string{from.String(), to.String()})
	if err != nil {
		return err
	}
	type holding struct {
		mint   string
		amount int64
	}
	locked := make(map[string]holding, 2)
	for rows.Next() {
		var addr string
		var h holding
		if err := rows.Scan(&addr, &h.mint, &h.amount); err != nil {
			rows.Close()
			return err
		}
		locked[addr] = h
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	src, ok := locked[from.String()]
	if !ok {
		return fmt.Errorf("source token account %s: %w", from, storage.ErrNotFound)
	}
	dst, ok := locked[to.String()]
	if !ok {
		return fmt.Errorf("destination token account %s: %w", to, storage.ErrNotFound)
	}
	if src.mint != dst.mint {
		return storage.ErrMintMismatch
	}
	if src.amount < n {
		return storage.ErrInsufficientFunds
	}
	if from == to || n == 0 {
		return nil
	}
	if dst.amount > math.MaxInt64-n {
		return storage.ErrOverflow
	}

	batch := &pgx.Batch{}
	batch.Queue(`UPDATE token_accounts SET amount = amount - $2, updated_at = NOW() WHERE address = $1`, from.String(), n)
	batch.Queue(`UPDATE token_accounts SET amount = amount + $2, updated_at = NOW() WHERE address = $1`, to.String(), n)
	return mapError(t.tx.SendBatch(ctx, batch).Close())
}

func (t *ledgerTx) debit(ctx context.Context, addr domain.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	n, err := toInt64(amount)
	if err != nil {
		return storage.ErrInsufficientFunds
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE accounts
		SET lamports = lamports - $2, updated_at = NOW()
		WHERE address = $1 AND lamports >= $2
	`, addr.String(), n)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrInsufficientFunds
	}
	return nil
}

func (t *ledgerTx) credit(ctx context.Context, addr domain.Address, amount uint64) error {
	n, err := toInt64(amount)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO accounts (address, owner, lamports, data, updated_at)
		VALUES ($1, $2, $3, ''::bytea, NOW())
		ON CONFLICT (address) DO UPDATE
		SET lamports = accounts.lamports + EXCLUDED.lamports,
		    updated_at = NOW()
	`, addr.String(), domain.SystemProgramID.String(), n)
	return mapError(err)
}

// toInt64 converts a ledger amount to a BIGINT parameter.
func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, storage.ErrOverflow
	}
	return int64(v), nil
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case isDuplicateKeyError(err):
		return fmt.Errorf("%w: %w", storage.ErrDuplicateKey, err)
	case isOverflowError(err):
		return fmt.Errorf("%w: %w", storage.ErrOverflow, err)
	}
	return err
}

// Verify interface compliance at compile time.
var (
	_ storage.Ledger = (*Ledger)(nil)
	_ storage.Faucet = (*Ledger)(nil)
	_ storage.Tx     = (*ledgerTx)(nil)
)
