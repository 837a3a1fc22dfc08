package persist

import (
	"context"
	"fmt"


	"github.com/roach88/rulez/internal/rules"
)

// Sync mirrors the persistent facts of one RuleBase to a Store.
//
// Keys are prefix + fact name, byte for byte. The prefix keeps rulez keys apart from
// unrelated values in a shared store.
type Sync struct {
	store  Store
	prefix string
	facts  []rules.Fact
	keys   []string
	mask   rules.Mask
}

// NewSync creates a Sync for the persistent facts of rb.
func NewSync(store Store, prefix string, rb *rules.RuleBase) *Sync {
	s := &Sync{
		store:  store,
		prefix: prefix,
		facts:  rb.PersistentFacts(),
		mask:   rb.PersistentMask(),
	}
	s.keys = make([]string, len(s.facts))
	for i, f := range s.facts {
		s.keys[i] = s.Key(f)
	}
	return s
}

// Key returns the store key of f.
func (s *Sync) Key(f rules.Fact) string {
	return s.prefix + f.Name
}

// Mask returns the bits this Sync mirrors.
func (s *Sync) Mask() rules.Mask {
	return s.mask
}

// Restore folds stored values into initial. Facts with no stored key, and
// facts that are not persistent, keep their value from initial.
//
// On a store error the state folded so far is returned with the error.
func (s *Sync) Restore(ctx context.Context, initial rules.FactState) (rules.FactState, error) {
	state := initial
	for i, f := range s.facts {
		key := s.keys[i]
		ok, err := s.store.Contains(ctx, key)
		if err != nil {
			return state, fmt.Errorf("contains %q: %w", key, err)
		}
		if !ok {
			continue
		}
		v, err := s.store.Get(ctx, key)
		if err != nil {
			return state, fmt.Errorf("get %q: %w", key, err)
		}
		state = state.Set(f.ID, v)
	}
	return state, nil
}

// Save writes every persistent fact of state.
func (s *Sync) Save(ctx context.Context, state rules.FactState) error {
	for i, f := range s.facts {
		if err := s.store.Set(ctx, s.keys[i], state.Get(f.ID)); err != nil {
			return fmt.Errorf("set %q: %w", s.keys[i], err)
		}
	}
	return nil
}

// SaveChanged writes only the persistent facts that differ between before
// and after. Returns the number of keys written.
func (s *Sync) SaveChanged(ctx context.Context, before, after rules.FactState) (int, error) {
	changed := before.Diff(after) & s.mask
	if changed == 0 {
		return 0, nil
	}
	n := 0
	for i, f := range s.facts {
		if !changed.Has(f.ID) {
			continue
		}
		if err := s.store.Set(ctx, s.keys[i], after.Get(f.ID)); err != nil {
			return n, fmt.Errorf("set %q: %w", s.keys[i], err)
		}
		n++
	}
	return n, nil
}
