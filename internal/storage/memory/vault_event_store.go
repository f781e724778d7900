package memory

import (
	"context"
	"sort"
	"sync"

	"yield-vault/internal/domain"
	"yield-vault/internal/storage"
)

// VaultEventStore is an in-memory implementation of storage.VaultEventStore.
type VaultEventStore struct {
	mu   sync.RWMutex
	data map[string]*domain.VaultEvent // keyed by event_id
}

// NewVaultEventStore creates a new in-memory vault event store.
func NewVaultEventStore() *VaultEventStore {
	return &VaultEventStore{
		data: make(map[string]*domain.VaultEvent),
	}
}

// Insert adds a new event. Returns ErrDuplicateKey if event_id exists.
func (s *VaultEventStore) Insert(_ context.Context, e *domain.VaultEvent) error {
	if e == nil || e.EventID == "" || !e.Kind.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[e.EventID]; exists {
		return storage.ErrDuplicateKey
	}

	eventCopy := *e
	s.data[e.EventID] = &eventCopy
	return nil
}

// GetByVault retrieves all events for a vault address, ordered by (occurred_at, seq).
func (s *VaultEventStore) GetByVault(_ context.Context, vault string) ([]*domain.VaultEvent, error) {
	return s.filter(func(e *domain.VaultEvent) bool { return e.Vault == vault }), nil
}

// GetByOwner retrieves all events for an owner, ordered by (occurred_at, seq).
func (s *VaultEventStore) GetByOwner(_ context.Context, owner string) ([]*domain.VaultEvent, error) {
	return s.filter(func(e *domain.VaultEvent) bool { return e.Owner == owner }), nil
}

// GetByTimeRange retrieves events within [start, end] (inclusive).
func (s *VaultEventStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.VaultEvent, error) {
	return s.filter(func(e *domain.VaultEvent) bool {
		return e.OccurredAt >= start && e.OccurredAt <= end
	}), nil
}

func (s *VaultEventStore) filter(match func(*domain.VaultEvent) bool) []*domain.VaultEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.VaultEvent
	for _, e := range s.data {
		if match(e) {
			eventCopy := *e
			result = append(result, &eventCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].OccurredAt != result[j].OccurredAt {
			return result[i].OccurredAt < result[j].OccurredAt
		}
		if result[i].Seq != result[j].Seq {
			return result[i].Seq < result[j].Seq
		}
		return result[i].EventID < result[j].EventID
	})

	return result
}

// Verify interface compliance at compile time.
var _ storage.VaultEventStore = (*VaultEventStore)(nil)
