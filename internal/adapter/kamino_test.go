package adapter

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-vault/internal/domain"
	"yield-vault/internal/storage"
)

type fakeProgram struct {
	deposits  []DepositRequest
	redeems   []RedeemRequest
	positions map[domain.Address]uint64 // keyed by project
	err       error
}

func (f *fakeProgram) DepositReserveLiquidity(_ context.Context, _ storage.Tx, req DepositRequest) error {
	if f.err != nil {
		return f.err
	}
	f.deposits = append(f.deposits, req)
	return nil
}

func (f *fakeProgram) RedeemReserveCollateral(_ context.Context, _ storage.Tx, req RedeemRequest) error {
	if f.err != nil {
		return f.err
	}
	f.redeems = append(f.redeems, req)
	return nil
}

func (f *fakeProgram) PositionAddress(vault, project domain.Address) (domain.Address, error) {
	var a domain.Address
	copy(a[:16], vault[:16])
	copy(a[16:], project[:16])
	return a, nil
}

func (f *fakeProgram) Position(_ context.Context, _ storage.Tx, _, project domain.Address) (uint64, error) {
	return f.positions[project], nil
}

func kaminoInvocation() Invocation {
	return Invocation{
		Vault:        domain.Address{0x10},
		Projects:     []domain.Address{{0x20}, {0x21}},
		Mint:         domain.Address{0x30},
		Authority:    domain.Address{0x40},
		ProjectID:    domain.Address{0x20},
		Amount:       1000,
		TokenAccount: domain.Address{0x50},
		Remote: RemoteAccounts{
			AccountLendingMarket:          Unchecked(domain.Address{0x61}),
			AccountLendingMarketAuthority: Unchecked(domain.Address{0x62}),
			AccountReserve:                Unchecked(domain.Address{0x63}),
			AccountReserveLiquiditySupply: Unchecked(domain.Address{0x64}),
		},
	}
}

func TestKaminoAdapter_Supply(t *testing.T) {
	prog := &fakeProgram{}
	a := NewKaminoAdapter(prog)
	inv := kaminoInvocation()

	require.NoError(t, a.Supply(context.Background(), inv))
	require.Len(t, prog.deposits, 1)

	req := prog.deposits[0]
	wantPosition, _ := prog.PositionAddress(inv.Vault, inv.ProjectID)
	assert.Equal(t, inv.Authority, req.Owner)
	assert.Equal(t, inv.Vault, req.Vault)
	assert.Equal(t, inv.ProjectID, req.Project)
	assert.Equal(t, domain.Address{0x61}, req.LendingMarket)
	assert.Equal(t, domain.Address{0x62}, req.LendingMarketAuthority)
	assert.Equal(t, domain.Address{0x63}, req.Reserve)
	assert.Equal(t, domain.Address{0x64}, req.ReserveLiquiditySupply)
	assert.Equal(t, inv.Mint, req.Mint)
	assert.Equal(t, inv.TokenAccount, req.SourceLiquidity)
	assert.Equal(t, wantPosition, req.DestinationCollateral)
	assert.Equal(t, uint64(1000), req.Amount)
}

func TestKaminoAdapter_RedeemUsesSuppliedPosition(t *testing.T) {
	prog := &fakeProgram{}
	a := NewKaminoAdapter(prog)
	inv := kaminoInvocation()
	inv.Remote[AccountPosition] = Unchecked(domain.Address{0x99})

	require.NoError(t, a.Redeem(context.Background(), inv))
	require.Len(t, prog.redeems, 1)
	assert.Equal(t, domain.Address{0x99}, prog.redeems[0].SourceCollateral)
	assert.Equal(t, inv.TokenAccount, prog.redeems[0].DestinationLiquidity)
}

func TestKaminoAdapter_MissingAccount(t *testing.T) {
	prog := &fakeProgram{}
	a := NewKaminoAdapter(prog)
	inv := kaminoInvocation()
	delete(inv.Remote, AccountReserve)

	err := a.Supply(context.Background(), inv)
	assert.ErrorIs(t, err, ErrMissingAccount)
	assert.Empty(t, prog.deposits)
}

func TestKaminoAdapter_WrapsProgramFailure(t *testing.T) {
	cause := errors.New("reserve stale")
	a := NewKaminoAdapter(&fakeProgram{err: cause})

	err := a.Supply(context.Background(), kaminoInvocation())
	assert.ErrorIs(t, err, ErrRemoteCallFailed)
	assert.ErrorIs(t, err, cause)

	err = a.Redeem(context.Background(), kaminoInvocation())
	assert.ErrorIs(t, err, ErrRemoteCallFailed)
	assert.ErrorIs(t, err, cause)
}

func TestKaminoAdapter_Outstanding(t *testing.T) {
	prog := &fakeProgram{positions: map[domain.Address]uint64{
		{0x20}: 300,
		{0x21}: 200,
		{0x22}: 999, // not in the vault's project set
	}}
	a := NewKaminoAdapter(prog)

	total, err := a.Outstanding(context.Background(), kaminoInvocation())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), total)
}

func TestKaminoAdapter_OutstandingOverflow(t *testing.T) {
	prog := &fakeProgram{positions: map[domain.Address]uint64{
		{0x20}: math.MaxUint64,
		{0x21}: 1,
	}}
	a := NewKaminoAdapter(prog)

	total, err := a.Outstanding(context.Background(), kaminoInvocation())
	assert.ErrorIs(t, err, storage.ErrOverflow)
	assert.Zero(t, total)
}
