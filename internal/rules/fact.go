package rules

import (
	"fmt"
	"math/bits"
	"strconv"
)

// MaxFacts is the number of facts a FactState can hold.
const MaxFacts = 64

// FactID is the dense 0-based index of a fact within a RuleBase.
// Bit FactID of a FactState holds the fact's value.
type FactID int

// Persistence classifies whether a fact's value survives process restarts.
//
// The tag is unexported, so PersistNone and PersistDisk are the only values
// that can exist outside this package.
type Persistence struct {
	tag persistenceTag
}

type persistenceTag uint8

const (
	tagNone persistenceTag = iota
	tagDisk
)

var (
	// PersistNone marks a fact whose value lives only in memory.
	PersistNone = Persistence{tag: tagNone}

	// PersistDisk marks a fact mirrored to the durable store for the life of
	// the installation.
	PersistDisk = Persistence{tag: tagDisk}
)

// ParsePersistence maps "none", "" and "disk" to a Persistence.
func ParsePersistence(s string) (Persistence, error) {
	switch s {
	case "", "none":
		return PersistNone, nil
	case "disk":
		return PersistDisk, nil
	default:
		return Persistence{}, fmt.Errorf("unknown persistence %q (want \"none\" or \"disk\")", s)
	}
}

// Durable reports whether values of this classification are written to storage.
func (p Persistence) Durable() bool {
	switch p.tag {
	case tagNone:
		return false
	case tagDisk:
		return true
	default:
		panic(fmt.Sprintf("rules: invariant violated: persistence tag %d", p.tag))
	}
}

// String returns "none" or "disk".
func (p Persistence) String() string {
	if p.Durable() {
		return "disk"
	}
	return "none"
}

// Fact is a named boolean proposition. Identity is fixed at creation.
type Fact struct {
	ID          FactID
	Name        string
	Persistence Persistence
}

// Mask returns the single-bit mask of this fact.
func (f Fact) Mask() Mask {
	return Mask(1) << uint(f.ID)
}

// Persistent reports whether the fact is mirrored to the durable store.
func (f Fact) Persistent() bool {
	return f.Persistence.Durable()
}

// Mask is a set of facts, one bit per FactID.
type Mask uint64

// MaskOf returns the union of the given facts' bits.
func MaskOf(facts ...Fact) Mask {
	var m Mask
	for _, f := range facts {
		m |= f.Mask()
	}
	return m
}

// Has reports whether bit id is set.
func (m Mask) Has(id FactID) bool {
	return m&(Mask(1)<<uint(id)) != 0
}

// Count returns the number of set bits.
func (m Mask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// FactState is the truth assignment of every fact in a RuleBase.
type FactState uint64

// Get reads the value of fact id.
func (s FactState) Get(id FactID) bool {
	return s&(FactState(1)<<uint(id)) != 0
}

// Set returns a copy of s with only bit id changed to v.
func (s FactState) Set(id FactID, v bool) FactState {
	bit := FactState(1) << uint(id)
	if v {
		return s | bit
	}
	return s &^ bit
}

// With returns s with every bit in m set.
func (s FactState) With(m Mask) FactState {
	return s | FactState(m)
}

// Without returns s with every bit in m cleared.
func (s FactState) Without(m Mask) FactState {
	return s &^ FactState(m)
}

// Apply applies postconditions in order and returns the resulting state.
func (s FactState) Apply(posts []Postcondition) FactState {
	for _, p := range posts {
		if p.Value {
			s = s.With(p.Target)
		} else {
			s = s.Without(p.Target)
		}
	}
	return s
}

// Matches reports whether r's preconditions hold in s.
func (s FactState) Matches(r *Rule) bool {
	return Mask(s)&r.RequiredTrue == r.RequiredTrue && Mask(s)&r.RequiredFalse == 0
}

// Diff returns the bits that differ between s and other.
func (s FactState) Diff(other FactState) Mask {
	return Mask(s ^ other)
}

// String formats the state in binary, most significant fact first.
func (s FactState) String() string {
	return strconv.FormatUint(uint64(s), 2)
}
