package adapter

import (
	"fmt"
	"sort"
	"sync"

	"yield-vault/internal/domain"
)

// Registry maps protocol tags to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Protocol]Adapter
}

// NewRegistry creates a registry with the given adapters registered.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[domain.Protocol]Adapter)}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter for its protocol.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := a.Protocol()
	if _, exists := r.adapters[p]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, p)
	}
	r.adapters[p] = a
	return nil
}

// Resolve returns the adapter for p.
func (r *Registry) Resolve(p domain.Protocol) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, p)
	}
	return a, nil
}

// Protocols returns registered protocol tags in ascending order.
func (r *Registry) Protocols() []domain.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Protocol, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
