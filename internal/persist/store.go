package persist

import (
	"context"
	"maps"
	"sync"
)

// Store is the durable boolean key/value contract.
//
// Get returns false for an absent key. Implementations must be safe for use
// from the engine's loop goroutine while other goroutines use the same
// backing storage.
type Store interface {
	Contains(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, value bool) error
}

// MemoryStore is an in-memory Store, for tests and ephemeral hosts.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]bool
	sets   int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]bool)}
}

// Contains implements Store.
func (m *MemoryStore) Contains(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[key]
	return ok, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key], nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, key string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.sets++
	return nil
}

// Snapshot returns a copy of every stored value.
func (m *MemoryStore) Snapshot() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values)
}

// SetCount returns the number of Set calls, for asserting write volume.
func (m *MemoryStore) SetCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sets
}

var _ Store = (*MemoryStore)(nil)
