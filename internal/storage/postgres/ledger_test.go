package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-vault/internal/adapter"
	"yield-vault/internal/domain"
	"yield-vault/internal/lending/klend"
	"yield-vault/internal/storage"
	"yield-vault/internal/storage/postgres"
	"yield-vault/internal/vault"
)

var (
	alice        = domain.Address{0xA1}
	bob          = domain.Address{0xB0}
	mint         = domain.Address{0x11}
	aliceHolding = domain.Address{0xA2}
	bobHolding   = domain.Address{0xB2}
)

func fundedLedger(t *testing.T, pool *postgres.Pool) *postgres.Ledger {
	t.Helper()
	ctx := context.Background()

	l := postgres.NewLedger(pool)
	require.NoError(t, l.Airdrop(ctx, alice, 10_000_000))
	err := l.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.CreateTokenAccount(ctx, &domain.TokenAccount{Address: aliceHolding, Mint: mint, Owner: alice}); err != nil {
			return err
		}
		return tx.CreateTokenAccount(ctx, &domain.TokenAccount{Address: bobHolding, Mint: mint, Owner: bob})
	})
	require.NoError(t, err)
	require.NoError(t, l.MintTo(ctx, aliceHolding, 5000))
	return l
}

func lamports(t *testing.T, l *postgres.Ledger, addr domain.Address) uint64 {
	t.Helper()
	ctx := context.Background()
	var bal uint64
	require.NoError(t, l.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		bal, err = tx.Lamports(ctx, addr)
		return err
	}))
	return bal
}

func tokens(t *testing.T, l *postgres.Ledger, addr domain.Address) uint64 {
	t.Helper()
	ctx := context.Background()
	var amount uint64
	require.NoError(t, l.Atomic(ctx, func(tx storage.Tx) error {
		ta, err := tx.GetTokenAccount(ctx, addr)
		if err != nil {
			return err
		}
		amount = ta.Amount
		return nil
	}))
	return amount
}

func TestLedger_AccountLifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	l := fundedLedger(t, pool)
	ctx := context.Background()
	target := domain.Address{0xCC}

	err := l.Atomic(ctx, func(tx storage.Tx) error {
		return tx.CreateAccount(ctx, alice, &domain.Account{
			Address:  target,
			Owner:    domain.TokenProgramID,
			Lamports: 1_000_000,
			Data:     make([]byte, 16),
		})
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(9_000_000), lamports(t, l, alice))

	err = l.Atomic(ctx, func(tx storage.Tx) error {
		a, err := tx.GetAccount(ctx, target)
		if err != nil {
			return err
		}
		assert.Equal(t, domain.TokenProgramID, a.Owner)
		assert.Equal(t, uint64(1_000_000), a.Lamports)
		assert.Len(t, a.Data, 16)

		data := make([]byte, 16)
		data[0] = 0x42
		if err := tx.WriteAccountData(ctx, target, data); err != nil {
			return err
		}
		a, err = tx.GetAccount(ctx, target)
		if err != nil {
			return err
		}
		assert.Equal(t, byte(0x42), a.Data[0])
		return nil
	})
	require.NoError(t, err)

	var refunded uint64
	err = l.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		refunded, err = tx.CloseAccount(ctx, target, bob)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), refunded)
	assert.Equal(t, uint64(1_000_000), lamports(t, l, bob))

	err = l.Atomic(ctx, func(tx storage.Tx) error {
		_, err := tx.GetAccount(ctx, target)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedger_CreateAccountErrors(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	l := fundedLedger(t, pool)
	ctx := context.Background()

	err := l.Atomic(ctx, func(tx storage.Tx) error {
		return tx.CreateAccount(ctx, alice, &domain.Account{Address: alice})
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	err = l.Atomic(ctx, func(tx storage.Tx) error {
		return tx.CreateAccount(ctx, bob, &domain.Account{Address: domain.Address{0xCD}, Lamports: 1})
	})
	assert.ErrorIs(t, err, storage.ErrInsufficientFunds)

	// The failed unit left nothing behind.
	err = l.Atomic(ctx, func(tx storage.Tx) error {
		_, err := tx.GetAccount(ctx, domain.Address{0xCD})
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedger_DuplicateKeepsUnitUsable(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	l := fundedLedger(t, pool)
	ctx := context.Background()

	err := l.Atomic(ctx, func(tx storage.Tx) error {
		err := tx.CreateTokenAccount(ctx, &domain.TokenAccount{Address: aliceHolding, Mint: mint, Owner: alice})
		if !errors.Is(err, storage.ErrDuplicateKey) {
			t.Errorf("expected ErrDuplicateKey, got %v", err)
		}
		return tx.TransferTokens(ctx, aliceHolding, bobHolding, 10)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), tokens(t, l, bobHolding))
}

func TestLedger_RollbackOnError(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	l := fundedLedger(t, pool)
	ctx := context.Background()
	boom := errors.New("boom")

	err := l.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.TransferTokens(ctx, aliceHolding, bobHolding, 1000); err != nil {
			return err
		}
		if err := tx.TransferLamports(ctx, alice, bob, 500); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, uint64(5000), tokens(t, l, aliceHolding))
	assert.Equal(t, uint64(0), lamports(t, l, bob))
}

func TestLedger_TransferTokensChecks(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	l := fundedLedger(t, pool)
	ctx := context.Background()

	err := l.Atomic(ctx, func(tx storage.Tx) error {
		return tx.TransferTokens(ctx, aliceHolding, bobHolding, 5001)
	})
	assert.ErrorIs(t, err, storage.ErrInsufficientFunds)

	err = l.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.CreateTokenAccount(ctx, &domain.TokenAccount{Address: domain.Address{0xD0}, Mint: domain.Address{0x22}, Owner: bob}); err != nil {
			return err
		}
		return tx.TransferTokens(ctx, aliceHolding, domain.Address{0xD0}, 1)
	})
	assert.ErrorIs(t, err, storage.ErrMintMismatch)

	err = l.Atomic(ctx, func(tx storage.Tx) error {
		return tx.TransferTokens(ctx, aliceHolding, domain.Address{0xEE}, 1)
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedger_WriteAccountDataFixedSize(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	l := fundedLedger(t, pool)
	ctx := context.Background()
	target := domain.Address{0xCC}

	err := l.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.CreateAccount(ctx, alice, &domain.Account{Address: target, Data: make([]byte, 4)}); err != nil {
			return err
		}
		return tx.WriteAccountData(ctx, target, []byte{1, 2, 3, 4, 5})
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestLedger_MintToMissingAccount(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	l := postgres.NewLedger(pool)
	assert.ErrorIs(t, l.MintTo(context.Background(), domain.Address{0x99}, 1), storage.ErrNotFound)
}

func TestLedger_OverflowRejected(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	l := postgres.NewLedger(pool)
	assert.ErrorIs(t, l.Airdrop(context.Background(), alice, 1<<63), storage.ErrOverflow)
}

func TestLedger_ConcurrentUnitsSerialize(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	l := fundedLedger(t, pool)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Atomic(ctx, func(tx storage.Tx) error {
				return tx.TransferTokens(ctx, aliceHolding, bobHolding, 100)
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(0), tokens(t, l, aliceHolding))
	assert.Equal(t, uint64(5000), tokens(t, l, bobHolding))
}

// TestLedger_VaultLifecycle runs the full vault flow against PostgreSQL.
func TestLedger_VaultLifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	l := fundedLedger(t, pool)
	ctx := context.Background()
	project := domain.Address{0xC1}

	market, err := klend.NewMarket(klend.DefaultProgramID)
	require.NoError(t, err)
	var reserve klend.Reserve
	require.NoError(t, l.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		reserve, err = market.AddReserve(ctx, tx, mint)
		return err
	}))

	registry, err := adapter.NewRegistry(adapter.NewKaminoAdapter(market))
	require.NoError(t, err)
	ctrl, err := vault.NewController(vault.Config{ProgramID: domain.Address{0xAB, 0xCD}}, l, registry)
	require.NoError(t, err)

	_, err = ctrl.Initialize(ctx, vault.InitializeParams{
		Owner:    vault.SignedBy(alice),
		VaultID:  1,
		Protocol: domain.ProtocolKamino,
		Interval: domain.IntervalMonthly,
		Projects: []domain.Address{project},
		Mint:     mint,
	})
	require.NoError(t, err)

	_, err = ctrl.Initialize(ctx, vault.InitializeParams{
		Owner:    vault.SignedBy(alice),
		VaultID:  1,
		Protocol: domain.ProtocolKamino,
		Interval: domain.IntervalMonthly,
		Projects: []domain.Address{project},
		Mint:     mint,
	})
	assert.ErrorIs(t, err, vault.ErrAlreadyInitialized)

	params := vault.DepositParams{
		Payer:        vault.SignedBy(alice),
		Owner:        alice,
		VaultID:      1,
		ProjectID:    project,
		Amount:       1000,
		TokenAccount: aliceHolding,
		Accounts:     reserve.Accounts(),
	}
	require.NoError(t, ctrl.Deposit(ctx, params))
	assert.Equal(t, uint64(4000), tokens(t, l, aliceHolding))

	res, err := ctrl.Withdraw(ctx, vault.WithdrawParams(params))
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.Equal(t, uint64(5000), tokens(t, l, aliceHolding))
	assert.Equal(t, uint64(10_000_000), lamports(t, l, alice))

	_, err = ctrl.Get(ctx, alice, 1)
	assert.ErrorIs(t, err, vault.ErrVaultNotFound)
}
