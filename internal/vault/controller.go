package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"yield-vault/internal/adapter"
	"yield-vault/internal/domain"
	"yield-vault/internal/observability"
	"yield-vault/internal/storage"
)

// Signer is an account the runtime has verified signed the transaction.
type Signer struct {
	Key    domain.Address
	Signed bool
}

// SignedBy returns a verified signer for key.
func SignedBy(key domain.Address) Signer {
	return Signer{Key: key, Signed: true}
}

// Config holds deployment values injected at startup.
type Config struct {
	// ProgramID is the vault program identity all vault addresses derive under.
	ProgramID domain.Address
}

// InitializeParams are the inputs of initialize_vault.
type InitializeParams struct {
	Owner         Signer
	VaultID       uint64
	Protocol      domain.Protocol
	Interval      domain.Interval
	InitialAmount uint64
	Projects      []domain.Address
	Mint          domain.Address
}

// DepositParams are the inputs of deposit. The target vault is the one
// derived from (Owner, VaultID); Payer must be that owner.
type DepositParams struct {
	Payer        Signer
	Owner        domain.Address
	VaultID      uint64
	ProjectID    domain.Address
	Amount       uint64
	TokenAccount domain.Address // payer's holding account of the vault mint
	Accounts     adapter.RemoteAccounts
}

// WithdrawParams are the inputs of withdraw_and_close.
type WithdrawParams DepositParams

// WithdrawResult reports the effect of withdraw_and_close.
type WithdrawResult struct {
	Closed   bool
	Refunded uint64 // lamports returned to the owner when Closed
}

// Controller runs vault lifecycle transitions as atomic ledger units.
type Controller struct {
	programID domain.Address
	ledger    storage.Ledger
	adapters  *adapter.Registry
	events    storage.VaultEventStore
	logger    *log.Logger
	now       func() time.Time
	seq       atomic.Uint64 // event emission order
}

// Option configures Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithEventStore records committed operations to store.
func WithEventStore(store storage.VaultEventStore) Option {
	return func(c *Controller) {
		c.events = store
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController creates a controller for the program identity in cfg.
func NewController(cfg Config, ledger storage.Ledger, adapters *adapter.Registry, opts ...Option) (*Controller, error) {
	if cfg.ProgramID.IsZero() {
		return nil, fmt.Errorf("%w: program id is required", ErrInvalidParams)
	}
	if ledger == nil || adapters == nil {
		return nil, fmt.Errorf("%w: ledger and adapter registry are required", ErrInvalidParams)
	}

	c := &Controller{
		programID: cfg.ProgramID,
		ledger:    ledger,
		adapters:  adapters,
		logger:    log.New(io.Discard, "", 0),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ProgramID returns the configured program identity.
func (c *Controller) ProgramID() domain.Address {
	return c.programID
}

// Address derives the vault address of (owner, vaultID).
func (c *Controller) Address(owner domain.Address, vaultID uint64) (domain.Address, error) {
	addr, _, err := DeriveAddress(c.programID, vaultID, owner)
	return addr, err
}

// Initialize creates the vault record for (owner, vault_id), funded by the owner.
func (c *Controller) Initialize(ctx context.Context, p InitializeParams) (rec *Record, err error) {
	start := time.Now()
	defer func() { observability.RecordVaultOperation("initialize", err, time.Since(start).Seconds()) }()

	if !p.Owner.Signed || p.Owner.Key.IsZero() {
		return nil, ErrUnauthorizedSigner
	}

	addr, bump, err := DeriveAddress(c.programID, p.VaultID, p.Owner.Key)
	if err != nil {
		return nil, err
	}

	rec = &Record{
		VaultID:       p.VaultID,
		Protocol:      p.Protocol,
		Interval:      p.Interval,
		InitialAmount: p.InitialAmount,
		Projects:      append([]domain.Address(nil), p.Projects...),
		Mint:          p.Mint,
		Bump:          bump,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if _, err := c.adapters.Resolve(rec.Protocol); err != nil {
		return nil, wrap(ErrUnsupportedProtocol, err)
	}

	data, err := Encode(rec)
	if err != nil {
		return nil, err
	}

	err = c.ledger.Atomic(ctx, func(tx storage.Tx) error {
		err := tx.CreateAccount(ctx, p.Owner.Key, &domain.Account{
			Address:  addr,
			Owner:    c.programID,
			Lamports: storage.MinimumBalance(Space),
			Data:     data,
		})
		switch {
		case errors.Is(err, storage.ErrDuplicateKey):
			return ErrAlreadyInitialized
		case errors.Is(err, storage.ErrInsufficientFunds):
			return wrap(ErrFundingFailed, err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Printf("Initialized vault %s (owner=%s id=%d protocol=%s projects=%d)",
		addr, p.Owner.Key, p.VaultID, rec.Protocol, len(rec.Projects))
	c.emit(domain.EventInitialized, addr, p.Owner.Key, rec, domain.Address{}, p.InitialAmount)
	return rec, nil
}

// Get loads and verifies the vault of (owner, vaultID).
func (c *Controller) Get(ctx context.Context, owner domain.Address, vaultID uint64) (*Record, error) {
	addr, err := c.Address(owner, vaultID)
	if err != nil {
		return nil, err
	}

	var rec *Record
	err = c.ledger.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		rec, err = c.load(ctx, tx, owner, addr)
		return err
	})
	return rec, err
}

// Deposit supplies p.Amount from the payer's token account to the vault's
// protocol on behalf of p.ProjectID. The vault record is not modified.
func (c *Controller) Deposit(ctx context.Context, p DepositParams) (err error) {
	start := time.Now()
	defer func() { observability.RecordVaultOperation("deposit", err, time.Since(start).Seconds()) }()

	var rec *Record
	var inv adapter.Invocation
	err = c.ledger.Atomic(ctx, func(tx storage.Tx) error {
		var ad adapter.Adapter
		var err error
		rec, ad, inv, err = c.prepare(ctx, tx, p)
		if err != nil {
			return err
		}
		if err := ad.Supply(ctx, inv); err != nil {
			observability.RecordAdapterCall(ad.Protocol().String(), "supply", err)
			return wrap(ErrDelegationRejected, err)
		}
		observability.RecordAdapterCall(ad.Protocol().String(), "supply", nil)
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Printf("Deposit vault=%s project=%s amount=%d", inv.Vault, p.ProjectID, p.Amount)
	c.emit(domain.EventDeposited, inv.Vault, p.Owner, rec, p.ProjectID, p.Amount)
	return nil
}

// Withdraw redeems p.Amount for p.ProjectID back to the payer's token
// account. When the vault has no position left the account is closed and
// its lamports are refunded to the owner.
func (c *Controller) Withdraw(ctx context.Context, p WithdrawParams) (res WithdrawResult, err error) {
	start := time.Now()
	defer func() { observability.RecordVaultOperation("withdraw", err, time.Since(start).Seconds()) }()

	var rec *Record
	var inv adapter.Invocation
	err = c.ledger.Atomic(ctx, func(tx storage.Tx) error {
		res = WithdrawResult{}
		var ad adapter.Adapter
		var err error
		rec, ad, inv, err = c.prepare(ctx, tx, DepositParams(p))
		if err != nil {
			return err
		}
		if err := ad.Redeem(ctx, inv); err != nil {
			observability.RecordAdapterCall(ad.Protocol().String(), "redeem", err)
			return wrap(ErrDelegationRejected, err)
		}
		observability.RecordAdapterCall(ad.Protocol().String(), "redeem", nil)

		outstanding, err := ad.Outstanding(ctx, inv)
		if err != nil {
			return wrap(ErrDelegationRejected, err)
		}
		if outstanding > 0 {
			return nil
		}

		refunded, err := tx.CloseAccount(ctx, inv.Vault, p.Owner)
		if err != nil {
			return fmt.Errorf("close vault: %w", err)
		}
		res = WithdrawResult{Closed: true, Refunded: refunded}
		observability.RecordVaultClosed()
		return nil
	})
	if err != nil {
		return WithdrawResult{}, err
	}

	c.logger.Printf("Withdraw vault=%s project=%s amount=%d closed=%t", inv.Vault, p.ProjectID, p.Amount, res.Closed)
	c.emit(domain.EventWithdrawn, inv.Vault, p.Owner, rec, p.ProjectID, p.Amount)
	if res.Closed {
		c.emit(domain.EventClosed, inv.Vault, p.Owner, rec, domain.Address{}, res.Refunded)
	}
	return res, nil
}

// prepare runs every authority and invariant check of deposit/withdraw
// and builds the adapter invocation. Nothing is written.
func (c *Controller) prepare(ctx context.Context, tx storage.Tx, p DepositParams) (*Record, adapter.Adapter, adapter.Invocation, error) {
	var inv adapter.Invocation

	if !p.Payer.Signed || p.Payer.Key.IsZero() {
		return nil, nil, inv, ErrMissingSignature
	}
	if p.Amount == 0 {
		return nil, nil, inv, ErrInvalidAmount
	}

	addr, err := c.Address(p.Owner, p.VaultID)
	if err != nil {
		return nil, nil, inv, err
	}
	rec, err := c.load(ctx, tx, p.Owner, addr)
	if err != nil {
		return nil, nil, inv, err
	}
	// The vault must re-derive from the payer's own key.
	if err := VerifyAddress(c.programID, rec, p.Payer.Key, addr); err != nil {
		return nil, nil, inv, err
	}
	if !rec.HasProject(p.ProjectID) {
		return nil, nil, inv, fmt.Errorf("%w: %s", ErrUnknownProject, p.ProjectID)
	}

	holding, err := tx.GetTokenAccount(ctx, p.TokenAccount)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, inv, fmt.Errorf("%w: token account %s not found", ErrInvalidParams, p.TokenAccount)
	}
	if err != nil {
		return nil, nil, inv, err
	}
	if holding.Mint != rec.Mint {
		return nil, nil, inv, fmt.Errorf("%w: %s holds %s", ErrMintMismatch, p.TokenAccount, holding.Mint)
	}

	ad, err := c.adapters.Resolve(rec.Protocol)
	if err != nil {
		return nil, nil, inv, wrap(ErrUnsupportedProtocol, err)
	}

	inv = adapter.Invocation{
		Tx:           tx,
		Vault:        addr,
		Projects:     rec.Projects,
		Mint:         rec.Mint,
		Authority:    p.Payer.Key,
		ProjectID:    p.ProjectID,
		Amount:       p.Amount,
		TokenAccount: p.TokenAccount,
		Remote:       p.Accounts,
	}
	return rec, ad, inv, nil
}

// load reads the vault at addr and proves it belongs to owner.
func (c *Controller) load(ctx context.Context, tx storage.Tx, owner, addr domain.Address) (*Record, error) {
	acct, err := tx.GetAccount(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, addr)
	}
	if err != nil {
		return nil, err
	}
	if acct.Owner != c.programID {
		return nil, fmt.Errorf("%w: %s is owned by %s", ErrWrongVaultAuthority, addr, acct.Owner)
	}

	rec, err := Decode(acct.Data)
	if err != nil {
		return nil, err
	}
	if err := VerifyAddress(c.programID, rec, owner, addr); err != nil {
		return nil, err
	}
	return rec, nil
}

// emit appends a committed operation to the event store. Failures are
// logged only: the ledger unit has already committed.
func (c *Controller) emit(kind domain.EventKind, vault, owner domain.Address, rec *Record, project domain.Address, amount uint64) {
	if c.events == nil {
		return
	}

	e := &domain.VaultEvent{
		EventID:    uuid.NewString(),
		Kind:       kind,
		Vault:      vault.String(),
		Owner:      owner.String(),
		VaultID:    rec.VaultID,
		Mint:       rec.Mint.String(),
		Protocol:   rec.Protocol.String(),
		Amount:     amount,
		OccurredAt: c.now().UnixMilli(),
		Seq:        c.seq.Add(1),
	}
	if !project.IsZero() {
		e.ProjectID = project.String()
	}

	// Detached from the request context so a cancelled caller does not lose the record.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.events.Insert(ctx, e); err != nil {
		c.logger.Printf("Failed to record %s event for vault %s: %v", kind, vault, err)
	}
}
