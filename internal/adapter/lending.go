package adapter

import (
	"context"

	"yield-vault/internal/domain"
	"yield-vault/internal/storage"
)

// LendingProgram is a Kamino-style lending program reached by remote call.
// Every account in a request is validated by the program, not by the adapter.
type LendingProgram interface {
	// DepositReserveLiquidity supplies liquidity and credits a collateral position.
	DepositReserveLiquidity(ctx context.Context, tx storage.Tx, req DepositRequest) error

	// RedeemReserveCollateral burns position and returns liquidity.
	RedeemReserveCollateral(ctx context.Context, tx storage.Tx, req RedeemRequest) error

	// PositionAddress returns the collateral position account of (vault, project).
	PositionAddress(vault, project domain.Address) (domain.Address, error)

	// Position returns the amount held for (vault, project), zero if none.
	Position(ctx context.Context, tx storage.Tx, vault, project domain.Address) (uint64, error)
}

// DepositRequest is the deposit_reserve_liquidity call shape.
type DepositRequest struct {
	Owner                  domain.Address // authority signing for SourceLiquidity
	Vault                  domain.Address // position beneficiary
	Project                domain.Address
	LendingMarket          domain.Address
	LendingMarketAuthority domain.Address
	Reserve                domain.Address
	ReserveLiquiditySupply domain.Address
	Mint                   domain.Address
	SourceLiquidity        domain.Address // token account debited
	DestinationCollateral  domain.Address // position account credited
	Amount                 uint64
}

// RedeemRequest is the redeem_reserve_collateral call shape.
type RedeemRequest struct {
	Owner                  domain.Address
	Vault                  domain.Address
	Project                domain.Address
	LendingMarket          domain.Address
	LendingMarketAuthority domain.Address
	Reserve                domain.Address
	ReserveLiquiditySupply domain.Address
	Mint                   domain.Address
	SourceCollateral       domain.Address // position account debited
	DestinationLiquidity   domain.Address // token account credited
	Amount                 uint64
}
