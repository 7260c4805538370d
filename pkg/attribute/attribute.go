// Package attribute implements the per-partition attribute store: the
// (property_id, value) -> bitmap index that every query plan and segment
// script ultimately reduces to.
package attribute

import (
	"fmt"
	"sync"

	"github.com/cuemby/openset/pkg/bitmap"
)

// DefaultHotCapacity is the number of attribute cells SetPaging keeps in the
// hot LRU by default, the same tuning partition.New wires in for every
// table's attribute store.
const DefaultHotCapacity = 4096

// PageKey identifies one persisted attribute page.
type PageKey struct {
	PropertyID int
	ValueHash  int64
}

// PageStore is the durable home a Store pages cold attribute bitmaps to and
// restores them from. pkg/partition's Store implements this over a
// dedicated bbolt bucket.
type PageStore interface {
	SaveAttrPage(propertyID int, valueHash int64, blob []byte) error
	LoadAttrPages() (map[PageKey][]byte, error)
}

// Mode is a comparison mode used when selecting attribute cells for a
// property against a value.
type Mode int

const (
	ModeEQ Mode = iota
	ModeNEQ
	ModeGT
	ModeGTE
	ModeLT
	ModeLTE
	ModePresent
)

// Record is one attribute cell: a (property, value) pair and the bitmap of
// customer linear ids that currently hold that value.
type Record struct {
	PropertyID int
	ValueHash  int64
	Bits       *bitmap.Bits
}

// Store owns every attribute cell for one partition, plus the text
// dictionary interning non-numeric values. Cells touched through GetMake
// are tracked by a hot LRU; once paging is wired via SetPaging, the cell
// the LRU evicts is LZ4-compressed and written to durable storage instead
// of simply dropped.
type Store struct {
	mu         sync.RWMutex
	properties map[int]map[int64]*Record
	dict       *Dictionary
	hot        *bitmap.IndexLRU
	pages      PageStore
}

// New returns an empty Store with an in-memory-only hot cache; callers that
// want cold cells persisted to disk call SetPaging afterward.
func New() *Store {
	return &Store{
		properties: make(map[int]map[int64]*Record),
		dict:       NewDictionary(),
		hot:        bitmap.NewIndexLRU(DefaultHotCapacity),
	}
}

// SetPaging wires a durable PageStore and resizes the hot set to capacity,
// then restores every previously persisted page into memory so attribute
// state survives a process restart. Call once, right after New, before any
// insert or query traffic reaches the store.
func (s *Store) SetPaging(capacity int, pages PageStore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hot = bitmap.NewIndexLRU(capacity)
	s.pages = pages

	blobs, err := pages.LoadAttrPages()
	if err != nil {
		return fmt.Errorf("attribute: load persisted pages: %w", err)
	}
	for key, blob := range blobs {
		bits, err := bitmap.Mount(blob)
		if err != nil {
			return fmt.Errorf("attribute: mount page (property %d): %w", key.PropertyID, err)
		}
		values, ok := s.properties[key.PropertyID]
		if !ok {
			values = make(map[int64]*Record)
			s.properties[key.PropertyID] = values
		}
		values[key.ValueHash] = &Record{PropertyID: key.PropertyID, ValueHash: key.ValueHash, Bits: bits}
	}
	return nil
}

// GetMake returns the attribute cell for (propertyID, valueHash), creating
// an empty one if it does not already exist.
func (s *Store) GetMake(propertyID int, valueHash int64) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, ok := s.properties[propertyID]
	if !ok {
		values = make(map[int64]*Record)
		s.properties[propertyID] = values
	}

	rec, ok := values[valueHash]
	if !ok {
		rec = &Record{PropertyID: propertyID, ValueHash: valueHash, Bits: bitmap.New()}
		values[valueHash] = rec
	}
	s.touchLocked(propertyID, valueHash, rec.Bits)
	return rec
}

// touchLocked marks (propertyID, valueHash) as the most-recently-used hot
// cell. If that pushes the hot set over capacity, the cell the LRU evicts
// is LZ4-compressed and written to the page store — it stays resident in
// the properties map (every GetMake caller holds and mutates its *Bits
// directly) but its durable copy on disk is refreshed.
func (s *Store) touchLocked(propertyID int, valueHash int64, bits *bitmap.Bits) {
	evicted, ok := s.hot.Set(bitmap.Key{PropertyID: propertyID, Value: valueHash}, bits)
	if !ok || s.pages == nil {
		return
	}
	blob, err := evicted.Bits.Store()
	if err != nil {
		return
	}
	_ = s.pages.SaveAttrPage(evicted.Key.PropertyID, evicted.Key.Value, blob)
}

// GetBits returns the hot bitmap for (propertyID, valueHash), or nil if the
// cell does not exist. Unlike GetMake this never creates a cell.
func (s *Store) GetBits(propertyID int, valueHash int64) *bitmap.Bits {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values, ok := s.properties[propertyID]
	if !ok {
		return nil
	}
	rec, ok := values[valueHash]
	if !ok {
		return nil
	}
	return rec.Bits
}

// PropertyValues returns every attribute cell for a property, including
// cells whose population has dropped to zero.
func (s *Store) PropertyValues(propertyID int) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := s.properties[propertyID]
	out := make([]*Record, 0, len(values))
	for _, rec := range values {
		out = append(out, rec)
	}
	return out
}

// PropertyValuesMatching returns every attribute cell for propertyID whose
// value satisfies mode against compare. PRESENT ignores compare. A compare
// of the absent value (grid.NoValue) is not rewritten: NEQ against it
// matches every cell, the same cells PRESENT returns, and EQ against it
// matches no cell, so customers lacking the property are never returned.
func (s *Store) PropertyValuesMatching(propertyID int, mode Mode, compare int64) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := s.properties[propertyID]
	out := make([]*Record, 0, len(values))
	for _, rec := range values {
		if mode == ModePresent || matches(mode, rec.ValueHash, compare) {
			out = append(out, rec)
		}
	}
	return out
}

func matches(mode Mode, value, compare int64) bool {
	switch mode {
	case ModeEQ:
		return value == compare
	case ModeNEQ:
		return value != compare
	case ModeGT:
		return value > compare
	case ModeGTE:
		return value >= compare
	case ModeLT:
		return value < compare
	case ModeLTE:
		return value <= compare
	default:
		return false
	}
}

// Composite ORs together the bitmaps of every cell PropertyValuesMatching
// would return, optionally inverting the union within [0, customerCount)
// for "not equal a specific value" style plans.
func (s *Store) Composite(propertyID int, mode Mode, compare int64, negate bool, customerCount int64) *bitmap.Bits {
	result := bitmap.New()
	for _, rec := range s.PropertyValuesMatching(propertyID, mode, compare) {
		result.Or(rec.Bits)
	}
	if negate {
		result.Not(customerCount)
	}
	return result
}

// ClearDirty commits mutations accumulated during a slice: every touched
// cell is written to the page store (if one is wired via SetPaging) before
// its dirty flag is cleared, so attribute state survives a restart even for
// cells that never age out of the hot LRU.
func (s *Store) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for propertyID, values := range s.properties {
		for valueHash, rec := range values {
			if !rec.Bits.Dirty() {
				continue
			}
			if s.pages != nil {
				if blob, err := rec.Bits.Store(); err == nil {
					_ = s.pages.SaveAttrPage(propertyID, valueHash, blob)
				}
			}
			rec.Bits.ClearDirty()
		}
	}
}

// Dictionary returns the store's text-value dictionary.
func (s *Store) Dictionary() *Dictionary {
	return s.dict
}
