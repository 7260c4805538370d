package bitmap

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/cuemby/openset/pkg/metrics"
)

// Key identifies a cached bitmap by (property id, value hash).
type Key struct {
	PropertyID int
	Value      int64
}

// IndexLRU caches the hottest (property, value) -> Bits mappings on a
// partition, evicting the least-recently-used entry when over capacity.
// Eviction hands the evictee back to the caller so it can be recompressed
// and written to the page store instead of simply dropped.
type IndexLRU struct {
	cache    *lru.Cache
	evicted  []evictedEntry
	capacity int
}

type evictedEntry struct {
	Key  Key
	Bits *Bits
}

// NewIndexLRU returns an IndexLRU holding at most capacity bitmaps.
func NewIndexLRU(capacity int) *IndexLRU {
	l := &IndexLRU{capacity: capacity}
	cache, err := lru.NewWithEvict(capacity, func(key, value interface{}) {
		l.evicted = append(l.evicted, evictedEntry{Key: key.(Key), Bits: value.(*Bits)})
		metrics.IndexLRUEvictions.Inc()
	})
	if err != nil {
		// capacity <= 0 is a caller bug, not a runtime condition.
		panic(err)
	}
	l.cache = cache
	return l
}

// Set inserts or updates bits for key, evicting the least-recently-used
// entry if the cache is now over capacity. It returns the evicted
// (key, bits) pair so the caller can recompress it, or ok=false if nothing
// was evicted this call.
func (l *IndexLRU) Set(key Key, bits *Bits) (evicted evictedEntry, ok bool) {
	l.evicted = l.evicted[:0]
	l.cache.Add(key, bits)
	if len(l.evicted) > 0 {
		return l.evicted[0], true
	}
	return evictedEntry{}, false
}

// Get returns the cached bitmap for key, promoting it to most-recently-used.
func (l *IndexLRU) Get(key Key) (*Bits, bool) {
	v, ok := l.cache.Get(key)
	if !ok {
		metrics.IndexLRUMisses.Inc()
		return nil, false
	}
	metrics.IndexLRUHits.Inc()
	return v.(*Bits), true
}

// Remove drops key from the cache without recompression (used when an
// attribute cell's population drops to zero and the bitmap is discarded).
func (l *IndexLRU) Remove(key Key) {
	l.cache.Remove(key)
}

// Len returns the number of bitmaps currently cached.
func (l *IndexLRU) Len() int {
	return l.cache.Len()
}
