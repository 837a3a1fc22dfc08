package persist

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Bundle is a small typed map of instance state.
type Bundle struct {
	Ints    map[string]int64  `yaml:"ints,omitempty" json:"ints,omitempty"`
	Strings map[string]string `yaml:"strings,omitempty" json:"strings,omitempty"`
}

// NewBundle returns an empty Bundle.
func NewBundle() *Bundle {
	return &Bundle{}
}

// PutInt stores an integer.
func (b *Bundle) PutInt(key string, v int64) {
	if b.Ints == nil {
		b.Ints = make(map[string]int64)
	}
	b.Ints[key] = v
}

// Int returns the integer under key and whether it was present.
func (b *Bundle) Int(key string) (int64, bool) {
	v, ok := b.Ints[key]
	return v, ok
}

// PutString stores a string.
func (b *Bundle) PutString(key, v string) {
	if b.Strings == nil {
		b.Strings = make(map[string]string)
	}
	b.Strings[key] = v
}

// String returns the string under key and whether it was present.
func (b *Bundle) String(key string) (string, bool) {
	v, ok := b.Strings[key]
	return v, ok
}

// Clone returns a deep copy.
func (b *Bundle) Clone() *Bundle {
	return &Bundle{Ints: maps.Clone(b.Ints), Strings: maps.Clone(b.Strings)}
}

// BundleStore persists bundles by key.
//
// LoadBundle reports ok=false for an absent key.
type BundleStore interface {
	LoadBundle(ctx context.Context, key string) (b *Bundle, ok bool, err error)
	SaveBundle(ctx context.Context, key string, b *Bundle) error
	DeleteBundle(ctx context.Context, key string) error
}

// Provider produces the bundle to save for its key.
type Provider func() *Bundle

// Registry hands restored bundles to their owners once and collects fresh
// bundles from registered providers on save.
type Registry struct {
	store BundleStore

	mu        sync.Mutex
	consumed  map[string]bool
	providers map[string]Provider
}

// NewRegistry creates a Registry over store.
func NewRegistry(store BundleStore) *Registry {
	return &Registry{
		store:     store,
		consumed:  make(map[string]bool),
		providers: make(map[string]Provider),
	}
}

// ConsumeRestoredState returns the bundle saved under key by a previous
// process. Each key yields its bundle at most once; later calls return nil.
func (r *Registry) ConsumeRestoredState(ctx context.Context, key string) (*Bundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.consumed[key] {
		return nil, nil
	}
	r.consumed[key] = true

	b, ok, err := r.store.LoadBundle(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load bundle %q: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return b, nil
}

// RegisterProvider registers the provider saved under key by SaveAll.
func (r *Registry) RegisterProvider(key string, p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.providers[key]; dup {
		return fmt.Errorf("provider already registered for %q", key)
	}
	r.providers[key] = p
	return nil
}

// UnregisterProvider removes the provider for key. No-op if none.
func (r *Registry) UnregisterProvider(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, key)
}

// SaveAll saves every registered provider's bundle, in key order.
// A provider returning nil deletes its saved bundle.
func (r *Registry) SaveAll(ctx context.Context) error {
	r.mu.Lock()
	keys := slices.Sorted(maps.Keys(r.providers))
	providers := maps.Clone(r.providers)
	r.mu.Unlock()

	for _, key := range keys {
		b := providers[key]()
		var err error
		if b == nil {
			err = r.store.DeleteBundle(ctx, key)
		} else {
			err = r.store.SaveBundle(ctx, key, b)
		}
		if err != nil {
			return fmt.Errorf("save bundle %q: %w", key, err)
		}
	}
	return nil
}

// MemoryBundleStore is an in-memory BundleStore.
type MemoryBundleStore struct {
	mu      sync.Mutex
	bundles map[string]*Bundle
}

// NewMemoryBundleStore returns an empty MemoryBundleStore.
func NewMemoryBundleStore() *MemoryBundleStore {
	return &MemoryBundleStore{bundles: make(map[string]*Bundle)}
}

// LoadBundle implements BundleStore.
func (m *MemoryBundleStore) LoadBundle(_ context.Context, key string) (*Bundle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[key]
	if !ok {
		return nil, false, nil
	}
	return b.Clone(), true, nil
}

// SaveBundle implements BundleStore.
func (m *MemoryBundleStore) SaveBundle(_ context.Context, key string, b *Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[key] = b.Clone()
	return nil
}

// DeleteBundle implements BundleStore.
func (m *MemoryBundleStore) DeleteBundle(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bundles, key)
	return nil
}

var _ BundleStore = (*MemoryBundleStore)(nil)
