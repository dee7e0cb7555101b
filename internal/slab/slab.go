// Package slab manages one arena: a bitmap of block occupancy behind a
// small ring-buffer cache of free block indices, serving alloc/free of a
// single fixed block size. Grounded on the original nvm_slab.c (the
// refill_cache/drain-cache batching, the FIFO free_block_buffer ring) and
// restructured per spec.md §9: the bitmap is a separately managed buffer
// (internal/bitset), not a trailing flexible-array member, and hot
// operations go through a dedicated short-hold spinLock rather than the
// catch-all mutex the segment manager uses.
package slab

import (
	"go.uber.org/atomic"

	"github.com/nvmalloc/nvmalloc/internal/bitset"
	"github.com/nvmalloc/nvmalloc/internal/nvmerr"
	"github.com/nvmalloc/nvmalloc/internal/nvmlog"
)

// Slab owns one arena's worth of fixed-size blocks.
type Slab struct {
	// NextInChain links this slab into exactly one PerCpuHeap shard's
	// intrusive singly linked list for its whole life. Mutated only by
	// the owning shard's CPU - see spec.md §4.5.
	NextInChain *Slab

	arenaBaseOffset uint64
	classIdx        int
	blockSize       int
	totalBlocks     int

	mu      spinLock
	bitmap  *bitset.Set
	cache   []int // ring buffer of free block indices, len == cacheCap
	head    int   // next index to pop
	tail    int   // next slot to push into
	count   int   // cache_count
	cacheCap int
	batch    int

	allocatedCount atomic.Int64 // relaxed-read occupancy, for is_full/is_empty
}

// New builds an empty slab over one arena for the given size class.
func New(arenaBaseOffset uint64, classIdx, blockSize, totalBlocks, cacheCap, batch int) *Slab {
	return &Slab{
		arenaBaseOffset: arenaBaseOffset,
		classIdx:        classIdx,
		blockSize:       blockSize,
		totalBlocks:     totalBlocks,
		bitmap:          bitset.New(totalBlocks),
		cache:           make([]int, cacheCap),
		cacheCap:        cacheCap,
		batch:           batch,
	}
}

func (s *Slab) ArenaBaseOffset() uint64 { return s.arenaBaseOffset }
func (s *Slab) ClassIdx() int           { return s.classIdx }
func (s *Slab) BlockSize() int          { return s.blockSize }
func (s *Slab) TotalBlocks() int        { return s.totalBlocks }

// IsFull is a relaxed observer: callers may call it without holding the
// slab lock, since it only inspects an atomically loaded counter. A
// stale read just means an occasional unnecessary retry by the caller.
func (s *Slab) IsFull() bool { return s.allocatedCount.Load() >= int64(s.totalBlocks) }

// IsEmpty is the same kind of relaxed observer as IsFull.
func (s *Slab) IsEmpty() bool { return s.allocatedCount.Load() == 0 }

// Allocated returns the current caller-held block count (relaxed read).
func (s *Slab) Allocated() int64 { return s.allocatedCount.Load() }

// Stats is a point-in-time snapshot for diagnostics/tests.
type Stats struct {
	BlockSize   int
	TotalBlocks int
	Allocated   int64
	CacheDepth  int
}

// Stats takes the slab lock to produce a mutually consistent snapshot.
func (s *Slab) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		BlockSize:   s.blockSize,
		TotalBlocks: s.totalBlocks,
		Allocated:   s.allocatedCount.Load(),
		CacheDepth:  s.count,
	}
}

// Alloc pops a free block index from the cache, refilling from the
// bitmap first if the cache is empty. Returns an nvmerr.Full error if the
// slab has no remaining capacity.
func (s *Slab) Alloc() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		s.refill()
	}
	if s.count == 0 {
		return 0, nvmerr.New(nvmerr.Full, "slab %d has no free blocks", s.arenaBaseOffset)
	}

	idx := s.cache[s.head]
	s.head = (s.head + 1) % s.cacheCap
	s.count--
	s.allocatedCount.Inc()
	return idx, nil
}

// refill scans the bitmap from index 0 for clear bits, pushing up to
// `batch` of them into the cache tail and marking them reserved. Must be
// called with s.mu held.
func (s *Slab) refill() {
	filled := 0
	from := 0
	for filled < s.batch {
		idx, ok := s.bitmap.FirstClear(from)
		if !ok {
			break
		}
		s.bitmap.Set(idx)
		s.cache[s.tail] = idx
		s.tail = (s.tail + 1) % s.cacheCap
		s.count++
		filled++
		from = idx + 1
	}
}

// Free returns a block index to the slab. Out-of-range indices panic -
// spec.md classifies that as a programmer bug, surfaced rather than
// silently absorbed. A double free (index already clear, or already
// sitting in the cache) is diagnosed and ignored.
func (s *Slab) Free(idx int) {
	if idx < 0 || idx >= s.totalBlocks {
		panic(nvmerr.New(nvmerr.OutOfRange, "block index %d out of range [0,%d)", idx, s.totalBlocks))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bitmap.IsSet(idx) {
		nvmlog.Diagnostic("double free ignored", "arena", s.arenaBaseOffset, "block", idx)
		return
	}
	if s.inCache(idx) {
		nvmlog.Diagnostic("double free ignored (block in cache)", "arena", s.arenaBaseOffset, "block", idx)
		return
	}

	if s.count == s.cacheCap {
		s.drain()
	}
	s.cache[s.tail] = idx
	s.tail = (s.tail + 1) % s.cacheCap
	s.count++

	if cur := s.allocatedCount.Load(); cur > 0 {
		s.allocatedCount.Dec()
	} else {
		nvmlog.Warn("allocated_count underflow avoided", "arena", s.arenaBaseOffset, "block", idx)
	}
}

// drain pops from the cache head until count == batch, clearing the
// bitmap bit for each popped index. Must be called with s.mu held.
func (s *Slab) drain() {
	for s.count > s.batch {
		idx := s.cache[s.head]
		s.head = (s.head + 1) % s.cacheCap
		s.count--
		s.bitmap.Clear(idx)
	}
}

// inCache reports whether idx is currently sitting in the free-index
// ring. Must be called with s.mu held. O(cacheCap) but cacheCap is a
// small constant (64 by default).
func (s *Slab) inCache(idx int) bool {
	for i, n := 0, s.count; i < n; i++ {
		pos := (s.head + i) % s.cacheCap
		if s.cache[pos] == idx {
			return true
		}
	}
	return false
}

// SetOccupied idempotently marks a block as caller-held, for recovery
// replay. If the block is already occupied (bitmap bit set and not
// sitting in the cache), this is a no-op success.
func (s *Slab) SetOccupied(idx int) error {
	if idx < 0 || idx >= s.totalBlocks {
		return nvmerr.New(nvmerr.OutOfRange, "block index %d out of range [0,%d)", idx, s.totalBlocks)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bitmap.IsSet(idx) {
		if s.inCache(idx) {
			s.removeFromCache(idx)
			s.allocatedCount.Inc()
		}
		// Already occupied and not in cache: idempotent success.
		return nil
	}

	s.bitmap.Set(idx)
	s.allocatedCount.Inc()
	return nil
}

// removeFromCache splices idx out of the free-index ring. Must be called
// with s.mu held and idx known to be present.
func (s *Slab) removeFromCache(idx int) {
	kept := make([]int, 0, s.count-1)
	for i, n := 0, s.count; i < n; i++ {
		pos := (s.head + i) % s.cacheCap
		if s.cache[pos] == idx {
			continue
		}
		kept = append(kept, s.cache[pos])
	}
	s.head = 0
	s.tail = len(kept)
	s.count = len(kept)
	copy(s.cache, kept)
}
