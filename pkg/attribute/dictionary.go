package attribute

import (
	"hash/fnv"
	"sync"
)

// Dictionary interns non-numeric attribute values: every text value that
// passes through the partition is hashed once and the text blob kept around
// so query plans and JSON emission can recover the original string from a
// value hash without touching the grid.
type Dictionary struct {
	mu     sync.RWMutex
	byHash map[int64]string
}

// NewDictionary returns an empty Dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{byHash: make(map[int64]string)}
}

// Hash returns the stable hash for a text value, interning it if this is the
// first time the dictionary has seen it.
func (d *Dictionary) Hash(value string) int64 {
	h := hashText(value)

	d.mu.RLock()
	existing, ok := d.byHash[h]
	d.mu.RUnlock()
	if ok && existing == value {
		return h
	}

	d.mu.Lock()
	d.byHash[h] = value
	d.mu.Unlock()
	return h
}

// Text returns the interned string for a value hash, or "" with ok=false if
// the hash has never been interned on this partition.
func (d *Dictionary) Text(hash int64) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.byHash[hash]
	return v, ok
}

// Len returns the number of distinct text values interned.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byHash)
}

func hashText(value string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(value))
	return int64(h.Sum64())
}
