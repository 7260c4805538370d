// Package bitmap implements the paged, compressed customer-id bitmaps that
// back every attribute cell and segment in OpenSet.
//
// The original design pages a bitmap into fixed BitArraySize (510 x 64-bit
// word) blocks so that population counts and set/clear operations touch only
// the pages a given bit falls in, and compresses pages individually with
// LZ4 when they go cold. Go's container/roaring ecosystem already solves
// the same problem — word-aligned runs of bits grouped into containers that
// compress themselves (array, bitmap, or run containers depending on
// density) — so Bits wraps a roaring.Bitmap rather than reimplementing
// page management by hand; see DESIGN.md for why this is an adaptation, not
// a drop, of the original page table.
package bitmap

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/cuemby/openset/pkg/arena"
)

// pageArena supplies the initial backing array for each Store/Mount's
// scratch buffers, so a page's compress/decompress round trip reuses one of
// a few pooled slab sizes instead of growing from zero every time.
var pageArena = arena.New()

// Bits is a growable bitmap of customer linear ids, addressable up to the
// partition's customer count. It is not safe for concurrent use; callers
// touch a Bits only from the partition loop that owns it.
type Bits struct {
	bm    *roaring.Bitmap
	dirty bool
}

// New returns an empty Bits.
func New() *Bits {
	return &Bits{bm: roaring.New()}
}

// Set sets the bit at index i.
func (b *Bits) Set(i int64) {
	b.bm.Add(uint32(i))
	b.dirty = true
}

// Clear clears the bit at index i.
func (b *Bits) Clear(i int64) {
	b.bm.Remove(uint32(i))
	b.dirty = true
}

// Test reports whether the bit at index i is set.
func (b *Bits) Test(i int64) bool {
	return b.bm.Contains(uint32(i))
}

// Dirty reports whether the bitmap has been mutated since the last
// ClearDirty.
func (b *Bits) Dirty() bool {
	return b.dirty
}

// ClearDirty marks the bitmap as committed (invariant 3: attribute cell
// mutations are applied in place and then committed as a unit).
func (b *Bits) ClearDirty() {
	b.dirty = false
}

// Population returns the number of set bits below stopBit.
func (b *Bits) Population(stopBit int64) int64 {
	if stopBit <= 0 {
		return 0
	}
	return int64(b.bm.Rank(uint32(stopBit - 1)))
}

// LinearIter yields the next set bit at or after *cursor and strictly below
// stopBit, advancing *cursor past it. It returns (0, false) once no more
// bits qualify.
func (b *Bits) LinearIter(cursor *int64, stopBit int64) (int64, bool) {
	it := b.bm.Iterator()
	it.AdvanceIfNeeded(uint32(*cursor))
	if !it.HasNext() {
		return 0, false
	}
	next := int64(it.PeekNext())
	if next >= stopBit {
		return 0, false
	}
	*cursor = next + 1
	return next, true
}

// And intersects b with other, in place.
func (b *Bits) And(other *Bits) {
	b.bm.And(other.bm)
	b.dirty = true
}

// Or unions b with other, in place. The result grows to the union of both
// operands' logical extents — roaring.Or already does this since a
// container simply doesn't exist until a bit in its range is set.
func (b *Bits) Or(other *Bits) {
	b.bm.Or(other.bm)
	b.dirty = true
}

// AndNot clears every bit in b that is also set in other, in place.
func (b *Bits) AndNot(other *Bits) {
	b.bm.AndNot(other.bm)
	b.dirty = true
}

// Not inverts b within [0, stopBit) — spec requires the bitmap's logical
// length be grown to the customer count before negation so that "not equal
// specific value" does not spuriously clear bits for customers past the
// operand's current extent.
func (b *Bits) Not(stopBit int64) {
	if stopBit <= 0 {
		b.bm.Clear()
		b.dirty = true
		return
	}
	b.bm = roaring.Flip(b.bm, 0, uint64(stopBit))
	b.dirty = true
}

// Clone returns a deep copy of b.
func (b *Bits) Clone() *Bits {
	return &Bits{bm: b.bm.Clone()}
}

// Equals reports whether b and other contain the same set bits.
func (b *Bits) Equals(other *Bits) bool {
	return b.bm.Equals(other.bm)
}

// ToArray returns every set bit as a slice, ascending. Intended for tests
// and small bitmaps (segment change detection diffs, not hot-path scans).
func (b *Bits) ToArray() []int64 {
	raw := b.bm.ToArray()
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = int64(v)
	}
	return out
}

// Store serializes and LZ4-compresses the bitmap, returning the compressed
// form suitable for the compressed page store. The
// returned blob round-trips through Mount to an equal Bits.
func (b *Bits) Store() ([]byte, error) {
	raw := bytes.NewBuffer(pageArena.Get(4096)[:0])
	if _, err := b.bm.WriteTo(raw); err != nil {
		return nil, fmt.Errorf("bitmap: serialize: %w", err)
	}

	compressed := bytes.NewBuffer(pageArena.Get(1024)[:0])
	w := lz4.NewWriter(compressed)
	if _, err := w.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("bitmap: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("bitmap: compress: %w", err)
	}
	return compressed.Bytes(), nil
}

// Mount decompresses and deserializes a blob produced by Store.
// LZ4 or roaring decode failures are treated as corruption at the partition
// granularity; the caller marks the owning partition failed.
func Mount(compressed []byte) (*Bits, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	raw := bytes.NewBuffer(pageArena.Get(4096)[:0])
	if _, err := raw.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("bitmap: decompress: %w", err)
	}

	bm := roaring.New()
	if _, err := bm.ReadFrom(raw); err != nil {
		return nil, fmt.Errorf("bitmap: deserialize: %w", err)
	}
	return &Bits{bm: bm}, nil
}
