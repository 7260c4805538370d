// Package arena implements OpenSet's pool-based fixed-size allocator.
//
// Every long-lived structure behind the bitmap index, the attribute store,
// and the grid store — bitmap pages, compressed blobs, attribute records —
// is sized to one of a small number of size classes and drawn from a
// sync.Pool dedicated to that class, so allocation is O(1) and the live set
// never fragments the way a general-purpose allocator would under constant
// churn. Go's garbage collector makes manual free() optional rather than
// mandatory; Arena still exposes Put so callers that know a buffer is dead
// can return it immediately instead of waiting for a GC cycle.
package arena

import "sync"

// sizeClasses mirrors the block sizes the original allocator kept separate
// pools for: small attribute records, a bitmap page's worth of compressed
// bytes, and a full decompressed bitmap page.
var sizeClasses = [...]int{64, 256, 1024, 4096, 16384}

// Arena is a pool of fixed-size slabs, one pool per size class. Gets for a
// size larger than the biggest class fall back to a plain make([]byte, n).
type Arena struct {
	pools [len(sizeClasses)]sync.Pool
}

// New returns a ready-to-use Arena.
func New() *Arena {
	a := &Arena{}
	for i, size := range sizeClasses {
		size := size
		a.pools[i].New = func() any {
			return make([]byte, size)
		}
	}
	return a
}

func classFor(n int) int {
	for i, size := range sizeClasses {
		if n <= size {
			return i
		}
	}
	return -1
}

// Get returns a buffer of at least n bytes, drawn from the smallest size
// class that fits. The returned slice has length n; callers needing the
// full capacity can re-slice it.
func (a *Arena) Get(n int) []byte {
	class := classFor(n)
	if class < 0 {
		return make([]byte, n)
	}
	buf := a.pools[class].Get().([]byte)
	return buf[:n]
}

// Put returns buf to its size class's pool. buf must have been obtained
// from Get and not be referenced again by the caller. Buffers larger than
// the biggest size class are dropped (left for the GC).
func (a *Arena) Put(buf []byte) {
	class := classFor(cap(buf))
	if class < 0 {
		return
	}
	a.pools[class].Put(buf[:cap(buf)])
}
