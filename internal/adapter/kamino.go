package adapter

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/bits"

	"yield-vault/internal/domain"
	"yield-vault/internal/storage"
)

// Kamino account names expected in Invocation.Remote.
const (
	AccountLendingMarket          = "lending_market"
	AccountLendingMarketAuthority = "lending_market_authority"
	AccountReserve                = "reserve"
	AccountReserveLiquiditySupply = "reserve_liquidity_supply"
	AccountPosition               = "position" // optional, derived when absent
)

// KaminoAdapter services ProtocolKamino vaults through a klend-style program.
type KaminoAdapter struct {
	program LendingProgram
	logger  *log.Logger
}

// KaminoOption configures KaminoAdapter.
type KaminoOption func(*KaminoAdapter)

// WithKaminoLogger sets the adapter logger.
func WithKaminoLogger(l *log.Logger) KaminoOption {
	return func(a *KaminoAdapter) {
		a.logger = l
	}
}

// NewKaminoAdapter creates an adapter calling program.
func NewKaminoAdapter(program LendingProgram, opts ...KaminoOption) *KaminoAdapter {
	a := &KaminoAdapter{
		program: program,
		logger:  log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Protocol returns ProtocolKamino.
func (a *KaminoAdapter) Protocol() domain.Protocol {
	return domain.ProtocolKamino
}

// Supply calls deposit_reserve_liquidity.
func (a *KaminoAdapter) Supply(ctx context.Context, inv Invocation) error {
	accts, err := a.resolve(inv)
	if err != nil {
		return err
	}

	req := DepositRequest{
		Owner:                  inv.Authority,
		Vault:                  inv.Vault,
		Project:                inv.ProjectID,
		LendingMarket:          accts.lendingMarket,
		LendingMarketAuthority: accts.lendingMarketAuthority,
		Reserve:                accts.reserve,
		ReserveLiquiditySupply: accts.reserveLiquiditySupply,
		Mint:                   inv.Mint,
		SourceLiquidity:        inv.TokenAccount,
		DestinationCollateral:  accts.position,
		Amount:                 inv.Amount,
	}

	if err := a.program.DepositReserveLiquidity(ctx, inv.Tx, req); err != nil {
		a.logger.Printf("Kamino deposit failed: vault=%s project=%s amount=%d: %v", inv.Vault, inv.ProjectID, inv.Amount, err)
		return fmt.Errorf("%w: deposit_reserve_liquidity: %w", ErrRemoteCallFailed, err)
	}
	return nil
}

// Redeem calls redeem_reserve_collateral.
func (a *KaminoAdapter) Redeem(ctx context.Context, inv Invocation) error {
	accts, err := a.resolve(inv)
	if err != nil {
		return err
	}

	req := RedeemRequest{
		Owner:                  inv.Authority,
		Vault:                  inv.Vault,
		Project:                inv.ProjectID,
		LendingMarket:          accts.lendingMarket,
		LendingMarketAuthority: accts.lendingMarketAuthority,
		Reserve:                accts.reserve,
		ReserveLiquiditySupply: accts.reserveLiquiditySupply,
		Mint:                   inv.Mint,
		SourceCollateral:       accts.position,
		DestinationLiquidity:   inv.TokenAccount,
		Amount:                 inv.Amount,
	}

	if err := a.program.RedeemReserveCollateral(ctx, inv.Tx, req); err != nil {
		a.logger.Printf("Kamino redeem failed: vault=%s project=%s amount=%d: %v", inv.Vault, inv.ProjectID, inv.Amount, err)
		return fmt.Errorf("%w: redeem_reserve_collateral: %w", ErrRemoteCallFailed, err)
	}
	return nil
}

// Outstanding sums the vault's positions over its project set. A sum past
// MaxUint64 is storage.ErrOverflow, never a wrapped small total.
func (a *KaminoAdapter) Outstanding(ctx context.Context, inv Invocation) (uint64, error) {
	var total uint64
	for _, project := range inv.Projects {
		amount, err := a.program.Position(ctx, inv.Tx, inv.Vault, project)
		if err != nil {
			return 0, fmt.Errorf("%w: read position: %w", ErrRemoteCallFailed, err)
		}
		var carry uint64
		total, carry = bits.Add64(total, amount, 0)
		if carry != 0 {
			return 0, fmt.Errorf("%w: outstanding position of vault %s", storage.ErrOverflow, inv.Vault)
		}
	}
	return total, nil
}

type kaminoAccounts struct {
	lendingMarket          domain.Address
	lendingMarketAuthority domain.Address
	reserve                domain.Address
	reserveLiquiditySupply domain.Address
	position               domain.Address
}

// resolve forwards the unverified protocol accounts; klend checks them.
func (a *KaminoAdapter) resolve(inv Invocation) (kaminoAccounts, error) {
	var out kaminoAccounts
	named := []struct {
		name string
		dst  *domain.Address
	}{
		{AccountLendingMarket, &out.lendingMarket},
		{AccountLendingMarketAuthority, &out.lendingMarketAuthority},
		{AccountReserve, &out.reserve},
		{AccountReserveLiquiditySupply, &out.reserveLiquiditySupply},
	}
	for _, n := range named {
		acct, err := inv.Remote.Get(n.name)
		if err != nil {
			return out, err
		}
		*n.dst = acct.ForwardUnchecked()
	}

	if acct, err := inv.Remote.Get(AccountPosition); err == nil {
		out.position = acct.ForwardUnchecked()
		return out, nil
	}
	position, err := a.program.PositionAddress(inv.Vault, inv.ProjectID)
	if err != nil {
		return out, fmt.Errorf("derive position account: %w", err)
	}
	out.position = position
	return out, nil
}

// Verify interface compliance at compile time.
var _ Adapter = (*KaminoAdapter)(nil)
