// Package segment implements the per-partition segment cache: named,
// cached boolean cohorts of customers with a TTL, a refresh schedule, an
// on-insert recomputation path, and change-emission when a customer enters
// or exits a segment.
package segment

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/openset/pkg/attribute"
	"github.com/cuemby/openset/pkg/bitmap"
	"github.com/cuemby/openset/pkg/query/lang"
)

// PropertySegment is the reserved system property id a segment's bitmap is
// addressable under: property_id=PropertySegment, value_hash=hash(name).
// System property ids sit below 1000, alongside stamp/event/uuid/session.
const PropertySegment = 4

// Definition is one table's segment script plus its scheduling metadata,
// shared across every partition (the bitmap itself is per-partition, held
// in that partition's attribute.Store).
type Definition struct {
	Name            string
	Source          string
	TTL             time.Duration
	RefreshInterval time.Duration
	ZIndex          int64
	OnInsert        bool
	UseCached       bool

	NameHash      int64
	Bytecode      *lang.Bytecode
	IsSegmentMath bool
}

// IsCountable reports whether Definition's script reduced to a pure index
// hint plan during compilation — the fast path that never needs to walk a
// customer's grid.
func (d *Definition) IsCountable() bool {
	return d.Bytecode != nil && d.Bytecode.Countable
}

// Compile parses and compiles a segment's source, tagging it as
// segment-math (referencing only other segments' population/union/
// intersection/difference/complement, no per-customer script) when its
// single statement is a return of a segment-set builtin call.
func Compile(def *Definition, resolve lang.Resolver) error {
	prog, err := lang.Parse(def.Source)
	if err != nil {
		return fmt.Errorf("segment: parse %q: %w", def.Name, err)
	}
	bc, err := lang.Compile(prog, resolve)
	if err != nil {
		return fmt.Errorf("segment: compile %q: %w", def.Name, err)
	}
	def.Bytecode = bc
	def.IsSegmentMath = isSegmentMathProgram(prog)
	return nil
}

func isSegmentMathProgram(prog *lang.Program) bool {
	if len(prog.Stmts) != 1 {
		return false
	}
	ret, ok := prog.Stmts[0].(*lang.ReturnStmt)
	if !ok || len(ret.Values) != 1 {
		return false
	}
	call, ok := ret.Values[0].(*lang.Call)
	if !ok {
		return false
	}
	switch call.Name {
	case "population", "union", "intersection", "difference", "complement":
		return true
	}
	return false
}

// Store holds every segment's bitmap for one partition, layered directly on
// top of that partition's attribute.Store: a segment named "vips" lives at
// attribute cell (PropertySegment, hash("vips")), exactly like any other
// attribute value, so composite queries can reference segments with the
// same machinery used for ordinary properties.
type Store struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	attrs *attribute.Store

	// CustomerCount reports the partition's live linear-id stop-bit, set by
	// the owning partition so Population/Union/etc. never read past the
	// customers that actually exist (spec's "segment bitmap length never
	// lags the customer count at the moment it is used").
	CustomerCount func() int64
}

// NewStore returns a Store backed by a partition's attribute store.
func NewStore(attrs *attribute.Store) *Store {
	return &Store{defs: make(map[string]*Definition), attrs: attrs}
}

// Upsert registers or replaces a segment definition, hashing its name
// through the attribute store's dictionary so JSON emission and change
// messages can recover the segment name from its hash.
func (s *Store) Upsert(def *Definition) {
	def.NameHash = s.attrs.Dictionary().Hash(def.Name)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.Name] = def
}

// Remove drops a segment definition. Its bitmap cell in the attribute store
// is left in place (next query simply finds it empty); a cleaner pass is
// not needed since an unreferenced attribute cell costs nothing but an
// empty bitmap.
func (s *Store) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, name)
}

// Get returns a segment's definition.
func (s *Store) Get(name string) (*Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	return def, ok
}

// All returns every registered definition, unordered.
func (s *Store) All() []*Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	return out
}

// Bits returns the live bitmap backing a segment, creating an empty one on
// first reference.
func (s *Store) Bits(name string) *bitmap.Bits {
	hash := s.attrs.Dictionary().Hash(name)
	return s.attrs.GetMake(PropertySegment, hash).Bits
}

// bitsIfPresent returns a segment's bitmap without creating one, used by
// the set-operator builtins where an unknown segment name must fail rather
// than silently behave as empty.
func (s *Store) bitsIfPresent(name string) (*bitmap.Bits, bool) {
	s.mu.RLock()
	_, known := s.defs[name]
	s.mu.RUnlock()
	if !known {
		return nil, false
	}
	hash := s.attrs.Dictionary().Hash(name)
	return s.attrs.GetBits(PropertySegment, hash), true
}

// Population implements vm.SegmentProvider: the number of customers
// currently in the named segment.
func (s *Store) Population(name string) (int64, bool) {
	bits, ok := s.bitsIfPresent(name)
	if !ok {
		return 0, false
	}
	if bits == nil {
		return 0, true
	}
	return bits.Population(s.customerCount()), true
}

// Union implements vm.SegmentProvider.
func (s *Store) Union(a, b string) (int64, bool) {
	return s.combine(a, b, func(x, y *bitmap.Bits) *bitmap.Bits {
		out := x.Clone()
		out.Or(y)
		return out
	})
}

// Intersection implements vm.SegmentProvider.
func (s *Store) Intersection(a, b string) (int64, bool) {
	return s.combine(a, b, func(x, y *bitmap.Bits) *bitmap.Bits {
		out := x.Clone()
		out.And(y)
		return out
	})
}

// Difference implements vm.SegmentProvider.
func (s *Store) Difference(a, b string) (int64, bool) {
	return s.combine(a, b, func(x, y *bitmap.Bits) *bitmap.Bits {
		out := x.Clone()
		out.AndNot(y)
		return out
	})
}

// Complement implements vm.SegmentProvider: every customer not in a.
func (s *Store) Complement(a string) (int64, bool) {
	bits, ok := s.bitsIfPresent(a)
	if !ok {
		return 0, false
	}
	out := bitmap.New()
	if bits != nil {
		out.Or(bits)
	}
	out.Not(s.customerCount())
	return out.Population(s.customerCount()), true
}

func (s *Store) combine(a, b string, op func(x, y *bitmap.Bits) *bitmap.Bits) (int64, bool) {
	ab, aok := s.bitsIfPresent(a)
	bb, bok := s.bitsIfPresent(b)
	if !aok || !bok {
		return 0, false
	}
	if ab == nil {
		ab = bitmap.New()
	}
	if bb == nil {
		bb = bitmap.New()
	}
	combined := op(ab, bb)
	return combined.Population(s.customerCount()), true
}

// customerCount reads the current stop-bit, defaulting to 0 (empty
// partition) until the owning partition wires CustomerCount.
func (s *Store) customerCount() int64 {
	if s.CustomerCount == nil {
		return 0
	}
	return s.CustomerCount()
}
