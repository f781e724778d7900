package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-vault/internal/domain"
	"yield-vault/internal/solana"
	"yield-vault/internal/solana/stub"
	"yield-vault/internal/storage"
	"yield-vault/internal/vault"
)

var (
	programID = domain.Address{0x50, 0x52}
	owner     = domain.Address{0x01}
)

func vaultAccount(t *testing.T, vaultID uint64, owner domain.Address) (domain.Address, *solana.AccountInfo) {
	t.Helper()
	addr, bump, err := vault.DeriveAddress(programID, vaultID, owner)
	require.NoError(t, err)

	data, err := vault.Encode(&vault.Record{
		VaultID:  vaultID,
		Protocol: domain.ProtocolKamino,
		Interval: domain.IntervalDaily,
		Projects: []domain.Address{{0xC1}},
		Mint:     domain.Address{0xD1},
		Bump:     bump,
	})
	require.NoError(t, err)

	return addr, &solana.AccountInfo{
		Lamports: storage.MinimumBalance(vault.Space),
		Owner:    programID,
		Data:     data,
	}
}

func TestParseTarget(t *testing.T) {
	got, err := ParseTarget(owner.String() + ":42")
	require.NoError(t, err)
	assert.Equal(t, Target{Owner: owner, VaultID: 42}, got)

	for _, bad := range []string{"", owner.String(), "xyz:1", owner.String() + ":-1"} {
		_, err := ParseTarget(bad)
		assert.Error(t, err, bad)
	}
}

func TestMirror_Check(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.Slot = 500

	activeAddr, active := vaultAccount(t, 1, owner)
	rpc.SetAccount(activeAddr, active)

	// Vault 2: owned by another program.
	foreignAddr, foreign := vaultAccount(t, 2, owner)
	foreign.Owner = domain.Address{0x99}
	rpc.SetAccount(foreignAddr, foreign)

	// Vault 3: garbage data.
	garbageAddr, garbage := vaultAccount(t, 3, owner)
	garbage.Data = make([]byte, vault.Space)
	rpc.SetAccount(garbageAddr, garbage)

	// Vault 4: record of vault 1 copied to vault 4's address.
	copiedAddr, _ := vaultAccount(t, 4, owner)
	rpc.SetAccount(copiedAddr, active)

	// Vault 6: valid record below the rent-exempt minimum.
	poorAddr, poor := vaultAccount(t, 6, owner)
	poor.Lamports = 1
	rpc.SetAccount(poorAddr, poor)

	m := New(programID, rpc)
	statuses, err := m.Check(context.Background(), []Target{
		{Owner: owner, VaultID: 1},
		{Owner: owner, VaultID: 2},
		{Owner: owner, VaultID: 3},
		{Owner: owner, VaultID: 4},
		{Owner: owner, VaultID: 5},
		{Owner: owner, VaultID: 6},
	})
	require.NoError(t, err)
	require.Len(t, statuses, 6)

	assert.Equal(t, StateActive, statuses[0].State)
	assert.Equal(t, activeAddr, statuses[0].Address)
	require.NotNil(t, statuses[0].Record)
	assert.Equal(t, uint64(1), statuses[0].Record.VaultID)
	assert.Equal(t, uint64(500), statuses[0].Slot)
	assert.False(t, statuses[0].Underfunded)

	assert.Equal(t, StateCorrupt, statuses[1].State)
	assert.ErrorIs(t, statuses[1].Reason, vault.ErrWrongVaultAuthority)

	assert.Equal(t, StateCorrupt, statuses[2].State)
	assert.ErrorIs(t, statuses[2].Reason, vault.ErrCorruptRecord)

	assert.Equal(t, StateCorrupt, statuses[3].State)
	assert.ErrorIs(t, statuses[3].Reason, vault.ErrCorruptRecord)

	assert.Equal(t, StateClosed, statuses[4].State)
	assert.Nil(t, statuses[4].Record)
	assert.Equal(t, uint64(500), statuses[4].Slot)

	assert.Equal(t, StateActive, statuses[5].State)
	assert.True(t, statuses[5].Underfunded)
}

func TestMirror_CheckRPCError(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.Err = errors.New("node unavailable")

	_, err := New(programID, rpc).Check(context.Background(), []Target{{Owner: owner, VaultID: 1}})
	assert.ErrorIs(t, err, rpc.Err)
}

type fakeWS struct {
	mu   sync.Mutex
	subs map[domain.Address]chan solana.AccountNotification

	// onSubscribe runs inside SubscribeAccount; its notifications are
	// queued on the new subscription.
	onSubscribe func(addr domain.Address) []solana.AccountNotification
}

func newFakeWS() *fakeWS {
	return &fakeWS{subs: make(map[domain.Address]chan solana.AccountNotification)}
}

func (f *fakeWS) SubscribeAccount(_ context.Context, addr domain.Address) (<-chan solana.AccountNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan solana.AccountNotification, 4)
	f.subs[addr] = ch
	if f.onSubscribe != nil {
		for _, n := range f.onSubscribe(addr) {
			ch <- n
		}
	}
	return ch, nil
}

func (f *fakeWS) Close() error { return nil }

func (f *fakeWS) send(addr domain.Address, n solana.AccountNotification) bool {
	f.mu.Lock()
	ch, ok := f.subs[addr]
	f.mu.Unlock()
	if ok {
		ch <- n
	}
	return ok
}

func TestMirror_Watch(t *testing.T) {
	rpc := stub.NewRPCClient()
	addr, info := vaultAccount(t, 1, owner)
	rpc.SetAccount(addr, info)

	ws := newFakeWS()
	m := New(programID, rpc, WithWSClient(ws))

	updates := make(chan Status, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Watch(ctx, []Target{{Owner: owner, VaultID: 1}}, func(s Status) { updates <- s })
	}()

	select {
	case s := <-updates:
		assert.Equal(t, StateActive, s.State)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial status")
	}

	require.Eventually(t, func() bool {
		return ws.send(addr, solana.AccountNotification{Address: addr, Slot: 900})
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case s := <-updates:
		assert.Equal(t, StateClosed, s.State)
		assert.Equal(t, uint64(900), s.Slot)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close notification")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

// startWatch runs Watch for one target until the test ends.
func startWatch(t *testing.T, m *Mirror, target Target) <-chan Status {
	t.Helper()
	updates := make(chan Status, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Watch(ctx, []Target{target}, func(s Status) { updates <- s })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func nextStatus(t *testing.T, updates <-chan Status) Status {
	t.Helper()
	select {
	case s := <-updates:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for status")
	}
	return Status{}
}

// The vault closes while Watch is subscribing and no notification follows.
func TestMirror_WatchSeesChangeDuringSubscribe(t *testing.T) {
	rpc := stub.NewRPCClient()
	addr, info := vaultAccount(t, 1, owner)
	rpc.SetAccount(addr, info)

	ws := newFakeWS()
	ws.onSubscribe = func(a domain.Address) []solana.AccountNotification {
		rpc.SetAccount(a, nil)
		return nil
	}

	updates := startWatch(t, New(programID, rpc, WithWSClient(ws)), Target{Owner: owner, VaultID: 1})
	assert.Equal(t, StateClosed, nextStatus(t, updates).State)
}

func TestMirror_WatchDropsNotificationsOlderThanRead(t *testing.T) {
	rpc := stub.NewRPCClient()
	rpc.Slot = 500
	addr, info := vaultAccount(t, 1, owner)
	rpc.SetAccount(addr, info)

	ws := newFakeWS()
	ws.onSubscribe = func(a domain.Address) []solana.AccountNotification {
		// A close from before the initial read.
		return []solana.AccountNotification{{Address: a, Slot: 400}}
	}

	updates := startWatch(t, New(programID, rpc, WithWSClient(ws)), Target{Owner: owner, VaultID: 1})

	first := nextStatus(t, updates)
	assert.Equal(t, StateActive, first.State)
	assert.Equal(t, uint64(500), first.Slot)

	require.True(t, ws.send(addr, solana.AccountNotification{Address: addr, Slot: 600}))
	next := nextStatus(t, updates)
	assert.Equal(t, StateClosed, next.State)
	assert.Equal(t, uint64(600), next.Slot)
}

func TestMirror_WatchRequiresWS(t *testing.T) {
	err := New(programID, stub.NewRPCClient()).Watch(context.Background(), nil, func(Status) {})
	assert.ErrorIs(t, err, ErrNoWSClient)
}
