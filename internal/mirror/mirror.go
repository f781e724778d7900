// Package mirror verifies vault accounts on a live cluster against the
// vault layout and derivation rules, once or continuously.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"

	"yield-vault/internal/domain"
	"yield-vault/internal/observability"
	"yield-vault/internal/solana"
	"yield-vault/internal/vault"
)

// State is the classification of a mirrored vault account.
type State string

const (
	StateActive  State = "ACTIVE"
	StateClosed  State = "CLOSED"
	StateCorrupt State = "CORRUPT"
)

// ErrNoWSClient is returned by Watch when no WebSocket client is configured.
var ErrNoWSClient = errors.New("mirror: no websocket client configured")

// Target identifies a vault by its derivation inputs.
type Target struct {
	Owner   domain.Address
	VaultID uint64
}

// ParseTarget parses "<owner>:<vault_id>".
func ParseTarget(s string) (Target, error) {
	owner, id, ok := strings.Cut(s, ":")
	if !ok {
		return Target{}, fmt.Errorf("target %q: want <owner>:<vault_id>", s)
	}
	addr, err := domain.ParseAddress(owner)
	if err != nil {
		return Target{}, fmt.Errorf("target %q: %w", s, err)
	}
	vaultID, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return Target{}, fmt.Errorf("target %q: vault id: %w", s, err)
	}
	return Target{Owner: addr, VaultID: vaultID}, nil
}

// Status is the observed state of one target.
type Status struct {
	Target
	Address  domain.Address
	State    State
	Record   *vault.Record // set when Active
	Lamports uint64
	Slot     uint64 // slot the state was observed at; a lower bound when Closed
	// Underfunded marks an Active vault holding less than the rent-exempt
	// minimum for its size.
	Underfunded bool
	Reason      error // set when Corrupt
}

// Mirror reads vault accounts from a cluster.
type Mirror struct {
	programID domain.Address
	rpc       solana.RPCClient
	ws        solana.WSClient
	logger    *log.Logger

	rentMu sync.Mutex
	rent   uint64 // rent-exempt minimum for vault.Space, 0 until fetched
}

// Option configures Mirror.
type Option func(*Mirror)

// WithWSClient enables Watch.
func WithWSClient(ws solana.WSClient) Option {
	return func(m *Mirror) {
		m.ws = ws
	}
}

// WithLogger sets the mirror logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Mirror) {
		m.logger = l
	}
}

// New creates a mirror for vaults of programID.
func New(programID domain.Address, rpc solana.RPCClient, opts ...Option) *Mirror {
	m := &Mirror{
		programID: programID,
		rpc:       rpc,
		logger:    log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check fetches every target's account and classifies it.
func (m *Mirror) Check(ctx context.Context, targets []Target) ([]Status, error) {
	addrs, err := m.addresses(targets)
	if err != nil {
		return nil, err
	}

	rent, err := m.rentExemptMinimum(ctx)
	if err != nil {
		return nil, err
	}

	// Read before the accounts, so it never exceeds the observation slot.
	slot, err := m.rpc.GetSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}

	infos, err := m.rpc.GetMultipleAccounts(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("fetch vault accounts: %w", err)
	}

	out := make([]Status, len(targets))
	for i, t := range targets {
		out[i] = m.classify(t, addrs[i], infos[i], rent)
		if out[i].Slot == 0 {
			out[i].Slot = slot
		}
	}
	return out, nil
}

func (m *Mirror) addresses(targets []Target) ([]domain.Address, error) {
	addrs := make([]domain.Address, len(targets))
	for i, t := range targets {
		addr, _, err := vault.DeriveAddress(m.programID, t.VaultID, t.Owner)
		if err != nil {
			return nil, err
		}
		addrs[i] = addr
	}
	return addrs, nil
}

// rentExemptMinimum asks the cluster once and caches the answer.
func (m *Mirror) rentExemptMinimum(ctx context.Context) (uint64, error) {
	m.rentMu.Lock()
	defer m.rentMu.Unlock()

	if m.rent > 0 {
		return m.rent, nil
	}
	rent, err := m.rpc.GetMinimumBalanceForRentExemption(ctx, vault.Space)
	if err != nil {
		return 0, fmt.Errorf("get rent-exempt minimum: %w", err)
	}
	m.rent = rent
	return rent, nil
}

// classify applies the same checks the controller applies before use.
// A nil or empty account is Closed.
func (m *Mirror) classify(t Target, addr domain.Address, info *solana.AccountInfo, rent uint64) Status {
	s := Status{Target: t, Address: addr, State: StateClosed}
	defer func() { observability.RecordMirrorCheck(string(s.State)) }()

	if info == nil || info.Lamports == 0 {
		return s
	}
	s.Lamports = info.Lamports
	s.Slot = info.Slot

	corrupt := func(err error) Status {
		s.State = StateCorrupt
		s.Reason = err
		return s
	}

	if info.Owner != m.programID {
		return corrupt(fmt.Errorf("%w: owned by %s", vault.ErrWrongVaultAuthority, info.Owner))
	}
	rec, err := vault.Decode(info.Data)
	if err != nil {
		return corrupt(err)
	}
	if rec.VaultID != t.VaultID {
		return corrupt(fmt.Errorf("%w: stored vault id %d", vault.ErrCorruptRecord, rec.VaultID))
	}
	if err := vault.VerifyAddress(m.programID, rec, t.Owner, addr); err != nil {
		return corrupt(err)
	}

	s.State = StateActive
	s.Record = rec
	if info.Lamports < rent {
		s.Underfunded = true
		m.logger.Printf("Vault %s holds %d lamports, rent-exempt minimum is %d", addr, info.Lamports, rent)
	}
	return s
}

// Watch subscribes to every target, reports its current status, then
// re-classifies a target on each newer account notification until ctx is
// done.
func (m *Mirror) Watch(ctx context.Context, targets []Target, fn func(Status)) error {
	if m.ws == nil {
		return ErrNoWSClient
	}

	addrs, err := m.addresses(targets)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscriptions come first: a change landing during the read below is
	// then delivered as a notification instead of being lost.
	subs := make([]<-chan solana.AccountNotification, len(targets))
	for i, addr := range addrs {
		ch, err := m.ws.SubscribeAccount(ctx, addr)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", addr, err)
		}
		subs[i] = ch
	}

	initial, err := m.Check(ctx, targets)
	if err != nil {
		return err
	}
	rent, err := m.rentExemptMinimum(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex // serializes fn
	report := func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		fn(s)
	}

	for i, s := range initial {
		report(s)
		m.logger.Printf("Watching vault %s (owner=%s id=%d)", s.Address, s.Owner, s.VaultID)

		wg.Add(1)
		go func(t Target, addr domain.Address, floor uint64, ch <-chan solana.AccountNotification) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case n, ok := <-ch:
					if !ok {
						return
					}
					// Already covered by the initial read.
					if n.Slot < floor {
						continue
					}
					st := m.classify(t, addr, n.Account, rent)
					if n.Account == nil {
						st.Slot = n.Slot
					}
					if st.State == StateCorrupt {
						m.logger.Printf("Vault %s corrupt at slot %d: %v", addr, n.Slot, st.Reason)
					}
					report(st)
				}
			}
		}(s.Target, s.Address, s.Slot, subs[i])
	}

	observability.UpdateWatchedVaults(len(targets))
	defer observability.UpdateWatchedVaults(0)

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}
