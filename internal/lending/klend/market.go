// Package klend is an in-process lending program with the Kamino lending
// call shape. It executes inside the caller's ledger unit, so a failed
// vault operation rolls back its token movements and positions too.
package klend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"yield-vault/internal/adapter"
	"yield-vault/internal/domain"
	"yield-vault/internal/pda"
	"yield-vault/internal/storage"
)

// DefaultProgramID is the Kamino lending program id on mainnet.
var DefaultProgramID = domain.MustParseAddress("KLend2g3cP87fffoy8q1mQqGKjrxjC8boSyAYavgmjD")

// PositionSpace is the size of a position account:
// discriminator(8) + vault(32) + project(32) + amount(8).
const PositionSpace = 8 + domain.AddressLength + domain.AddressLength + 8

var positionDiscriminator = func() [8]byte {
	sum := sha256.Sum256([]byte("account:Obligation"))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}()

var (
	// ErrUnknownReserve is returned when no reserve is registered for a mint.
	ErrUnknownReserve = errors.New("no reserve for mint")

	// ErrInvalidAccount is returned when a supplied account does not match the program's own.
	ErrInvalidAccount = errors.New("invalid account")

	// ErrInvalidAmount is returned for zero amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientPosition is returned when redeeming more than the position holds.
	ErrInsufficientPosition = errors.New("insufficient position")

	// ErrOwnerMismatch is returned when the signer does not own the source token account.
	ErrOwnerMismatch = errors.New("token account owner mismatch")
)

// Reserve is one mint's liquidity pool within the lending market.
type Reserve struct {
	Mint                   domain.Address
	Address                domain.Address
	LendingMarket          domain.Address
	LendingMarketAuthority domain.Address
	LiquiditySupply        domain.Address // token account owned by LendingMarketAuthority
}

// Accounts returns the reserve's accounts keyed as the Kamino adapter expects.
func (r Reserve) Accounts() adapter.RemoteAccounts {
	return adapter.RemoteAccounts{
		adapter.AccountLendingMarket:          adapter.Unchecked(r.LendingMarket),
		adapter.AccountLendingMarketAuthority: adapter.Unchecked(r.LendingMarketAuthority),
		adapter.AccountReserve:                adapter.Unchecked(r.Address),
		adapter.AccountReserveLiquiditySupply: adapter.Unchecked(r.LiquiditySupply),
	}
}

// Market is a single lending market with one reserve per mint.
type Market struct {
	programID     domain.Address
	lendingMarket domain.Address
	authority     domain.Address

	mu       sync.RWMutex
	reserves map[domain.Address]Reserve // keyed by mint
}

// NewMarket derives the market accounts under programID.
func NewMarket(programID domain.Address) (*Market, error) {
	lendingMarket, _, err := pda.FindProgramAddress([][]byte{[]byte("lending_market")}, programID)
	if err != nil {
		return nil, fmt.Errorf("derive lending market: %w", err)
	}
	authority, _, err := pda.FindProgramAddress([][]byte{[]byte("lma"), lendingMarket.Bytes()}, programID)
	if err != nil {
		return nil, fmt.Errorf("derive lending market authority: %w", err)
	}
	return &Market{
		programID:     programID,
		lendingMarket: lendingMarket,
		authority:     authority,
		reserves:      make(map[domain.Address]Reserve),
	}, nil
}

// ProgramID returns the program id positions are owned by.
func (m *Market) ProgramID() domain.Address {
	return m.programID
}

// AddReserve registers a reserve for mint, creating its liquidity supply
// token account in tx when missing. Idempotent.
func (m *Market) AddReserve(ctx context.Context, tx storage.Tx, mint domain.Address) (Reserve, error) {
	reserveAddr, _, err := pda.FindProgramAddress([][]byte{[]byte("reserve"), m.lendingMarket.Bytes(), mint.Bytes()}, m.programID)
	if err != nil {
		return Reserve{}, fmt.Errorf("derive reserve: %w", err)
	}
	supply, _, err := pda.FindProgramAddress([][]byte{[]byte("reserve_liq_supply"), reserveAddr.Bytes()}, m.programID)
	if err != nil {
		return Reserve{}, fmt.Errorf("derive liquidity supply: %w", err)
	}

	err = tx.CreateTokenAccount(ctx, &domain.TokenAccount{
		Address: supply,
		Mint:    mint,
		Owner:   m.authority,
	})
	if err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return Reserve{}, fmt.Errorf("create liquidity supply: %w", err)
	}

	r := Reserve{
		Mint:                   mint,
		Address:                reserveAddr,
		LendingMarket:          m.lendingMarket,
		LendingMarketAuthority: m.authority,
		LiquiditySupply:        supply,
	}

	m.mu.Lock()
	m.reserves[mint] = r
	m.mu.Unlock()
	return r, nil
}

// Reserve returns the reserve registered for mint.
func (m *Market) Reserve(mint domain.Address) (Reserve, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reserves[mint]
	return r, ok
}

// PositionAddress derives the position account of (vault, project).
func (m *Market) PositionAddress(vault, project domain.Address) (domain.Address, error) {
	addr, _, err := pda.FindProgramAddress([][]byte{[]byte("position"), vault.Bytes(), project.Bytes()}, m.programID)
	return addr, err
}

// Position returns the amount held for (vault, project).
func (m *Market) Position(ctx context.Context, tx storage.Tx, vault, project domain.Address) (uint64, error) {
	addr, err := m.PositionAddress(vault, project)
	if err != nil {
		return 0, err
	}
	p, err := m.loadPosition(ctx, tx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.amount, nil
}

// DepositReserveLiquidity moves liquidity into the reserve and credits the position.
func (m *Market) DepositReserveLiquidity(ctx context.Context, tx storage.Tx, req adapter.DepositRequest) error {
	if req.Amount == 0 {
		return ErrInvalidAmount
	}
	r, err := m.checkReserve(req.Mint, req.LendingMarket, req.LendingMarketAuthority, req.Reserve, req.ReserveLiquiditySupply)
	if err != nil {
		return err
	}
	positionAddr, err := m.checkPosition(req.Vault, req.Project, req.DestinationCollateral)
	if err != nil {
		return err
	}
	if err := checkTokenOwner(ctx, tx, req.SourceLiquidity, req.Owner); err != nil {
		return err
	}

	if err := tx.TransferTokens(ctx, req.SourceLiquidity, r.LiquiditySupply, req.Amount); err != nil {
		return fmt.Errorf("transfer liquidity: %w", err)
	}

	p, err := m.loadPosition(ctx, tx, positionAddr)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		p = &position{vault: req.Vault, project: req.Project, amount: req.Amount}
		return tx.CreateAccount(ctx, req.Owner, &domain.Account{
			Address:  positionAddr,
			Owner:    m.programID,
			Lamports: storage.MinimumBalance(PositionSpace),
			Data:     p.encode(),
		})
	case err != nil:
		return err
	}

	if p.amount > math.MaxUint64-req.Amount {
		return storage.ErrOverflow
	}
	p.amount += req.Amount
	return tx.WriteAccountData(ctx, positionAddr, p.encode())
}

// RedeemReserveCollateral debits the position and returns liquidity.
// An emptied position account is closed and its rent refunded to Owner.
func (m *Market) RedeemReserveCollateral(ctx context.Context, tx storage.Tx, req adapter.RedeemRequest) error {
	if req.Amount == 0 {
		return ErrInvalidAmount
	}
	r, err := m.checkReserve(req.Mint, req.LendingMarket, req.LendingMarketAuthority, req.Reserve, req.ReserveLiquiditySupply)
	if err != nil {
		return err
	}
	positionAddr, err := m.checkPosition(req.Vault, req.Project, req.SourceCollateral)
	if err != nil {
		return err
	}
	if err := checkTokenOwner(ctx, tx, req.DestinationLiquidity, req.Owner); err != nil {
		return err
	}

	p, err := m.loadPosition(ctx, tx, positionAddr)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: no position", ErrInsufficientPosition)
	}
	if err != nil {
		return err
	}
	if req.Amount > p.amount {
		return fmt.Errorf("%w: have %d, want %d", ErrInsufficientPosition, p.amount, req.Amount)
	}

	if err := tx.TransferTokens(ctx, r.LiquiditySupply, req.DestinationLiquidity, req.Amount); err != nil {
		return fmt.Errorf("transfer liquidity: %w", err)
	}

	p.amount -= req.Amount
	if p.amount == 0 {
		_, err := tx.CloseAccount(ctx, positionAddr, req.Owner)
		return err
	}
	return tx.WriteAccountData(ctx, positionAddr, p.encode())
}

func (m *Market) checkReserve(mint, lendingMarket, authority, reserve, supply domain.Address) (Reserve, error) {
	r, ok := m.Reserve(mint)
	if !ok {
		return Reserve{}, fmt.Errorf("%w: %s", ErrUnknownReserve, mint)
	}
	switch {
	case lendingMarket != r.LendingMarket:
		return Reserve{}, fmt.Errorf("%w: lending market %s", ErrInvalidAccount, lendingMarket)
	case authority != r.LendingMarketAuthority:
		return Reserve{}, fmt.Errorf("%w: lending market authority %s", ErrInvalidAccount, authority)
	case reserve != r.Address:
		return Reserve{}, fmt.Errorf("%w: reserve %s", ErrInvalidAccount, reserve)
	case supply != r.LiquiditySupply:
		return Reserve{}, fmt.Errorf("%w: reserve liquidity supply %s", ErrInvalidAccount, supply)
	}
	return r, nil
}

func (m *Market) checkPosition(vault, project, supplied domain.Address) (domain.Address, error) {
	want, err := m.PositionAddress(vault, project)
	if err != nil {
		return domain.Address{}, err
	}
	if supplied != want {
		return domain.Address{}, fmt.Errorf("%w: position %s", ErrInvalidAccount, supplied)
	}
	return want, nil
}

func checkTokenOwner(ctx context.Context, tx storage.Tx, tokenAccount, owner domain.Address) error {
	t, err := tx.GetTokenAccount(ctx, tokenAccount)
	if err != nil {
		return fmt.Errorf("token account %s: %w", tokenAccount, err)
	}
	if t.Owner != owner {
		return fmt.Errorf("%w: %s", ErrOwnerMismatch, tokenAccount)
	}
	return nil
}

type position struct {
	vault   domain.Address
	project domain.Address
	amount  uint64
}

func (m *Market) loadPosition(ctx context.Context, tx storage.Tx, addr domain.Address) (*position, error) {
	acct, err := tx.GetAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	if acct.Owner != m.programID {
		return nil, fmt.Errorf("%w: position %s not owned by program", ErrInvalidAccount, addr)
	}
	return decodePosition(acct.Data)
}

func (p *position) encode() []byte {
	buf := make([]byte, PositionSpace)
	copy(buf[0:8], positionDiscriminator[:])
	copy(buf[8:40], p.vault[:])
	copy(buf[40:72], p.project[:])
	binary.LittleEndian.PutUint64(buf[72:80], p.amount)
	return buf
}

func decodePosition(data []byte) (*position, error) {
	if len(data) != PositionSpace || !bytes.Equal(data[0:8], positionDiscriminator[:]) {
		return nil, fmt.Errorf("%w: malformed position data", ErrInvalidAccount)
	}
	p := &position{amount: binary.LittleEndian.Uint64(data[72:80])}
	copy(p.vault[:], data[8:40])
	copy(p.project[:], data[40:72])
	return p, nil
}

// Verify interface compliance at compile time.
var _ adapter.LendingProgram = (*Market)(nil)
