// Package slabindex is the global arena_base_offset -> *slab.Slab map,
// the thing that makes cross-thread free and idempotent restore possible
// without consulting whichever PerCpuHeap shard happens to own the slab.
// Grounded on the original SlabHashTable.h/.c (a fixed-bucket chained
// table keyed by arena index) and, for the concurrency shape, on the
// teacher's xaction/registry.registry (an RWMutex-guarded map serving a
// read-heavy lookup path alongside rarer writes).
package slabindex

import (
	"encoding/binary"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/nvmalloc/nvmalloc/internal/nvmerr"
	"github.com/nvmalloc/nvmalloc/internal/nvmlog"
	"github.com/nvmalloc/nvmalloc/internal/slab"
)

type entry struct {
	offset      uint64
	fingerprint uint64
	slab        *slab.Slab
	next        *entry
}

// Index is a closed-addressed (chaining) hash table from arena base
// offset to slab handle. Capacity is fixed at construction - the spec
// notes that real workloads run to thousands of arenas and chains stay
// short because the hash input (the dense arena index) is already
// well distributed, so resizing isn't required.
type Index struct {
	mu        sync.RWMutex
	buckets   []*entry
	capacity  uint64
	arenaSize uint64
	size      int
}

// New builds an index with the given bucket count and arena size (the
// latter is needed to turn an offset into a dense arena index before
// hashing).
func New(capacity int, arenaSize uint64) *Index {
	if capacity <= 0 {
		capacity = 101
	}
	return &Index{
		buckets:   make([]*entry, capacity),
		capacity:  uint64(capacity),
		arenaSize: arenaSize,
	}
}

func (x *Index) bucketFor(offset uint64) uint64 {
	return (offset / x.arenaSize) % x.capacity
}

func fingerprintOf(offset uint64) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], offset)
	return xxhash.Checksum64(b[:])
}

// Insert adds a new (offset -> slab) mapping. Returns a DuplicateKey
// error if offset is already present.
func (x *Index) Insert(offset uint64, s *slab.Slab) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	b := x.bucketFor(offset)
	for e := x.buckets[b]; e != nil; e = e.next {
		if e.offset == offset {
			return nvmerr.New(nvmerr.DuplicateKey, "arena offset %d already registered", offset)
		}
	}
	x.buckets[b] = &entry{offset: offset, fingerprint: fingerprintOf(offset), slab: s, next: x.buckets[b]}
	x.size++
	return nil
}

// Lookup returns the slab registered for offset, or (nil, false). Reader
// lock only - this is on the free hot path. The returned *slab.Slab is a
// non-owning handle: slabs are never destroyed before the whole
// allocator is, so its lifetime always outlives the caller's use of it.
func (x *Index) Lookup(offset uint64) (*slab.Slab, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	b := x.bucketFor(offset)
	for e := x.buckets[b]; e != nil; e = e.next {
		if e.offset == offset {
			if e.fingerprint != fingerprintOf(offset) {
				nvmlog.Warn("slabindex fingerprint mismatch", "offset", offset)
			}
			return e.slab, true
		}
	}
	return nil, false
}

// Remove deletes and returns the mapping for offset, if present.
func (x *Index) Remove(offset uint64) (*slab.Slab, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	b := x.bucketFor(offset)
	var prev *entry
	for e := x.buckets[b]; e != nil; e = e.next {
		if e.offset == offset {
			if prev != nil {
				prev.next = e.next
			} else {
				x.buckets[b] = e.next
			}
			x.size--
			return e.slab, true
		}
		prev = e
	}
	return nil, false
}

// Count returns the number of registered arenas.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.size
}
