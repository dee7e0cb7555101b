// Package centralheap mediates slow-path arena acquisition and slab
// registration: it owns the free-segment manager and the slab index, and
// is the only place that carves a new arena and wires it up as a
// registered slab (or rolls that back on partial failure). Grounded on
// the ownership split in spec.md §4.4; the rollback-on-partial-failure
// shape follows the teacher's CentralHeap-equivalent carve/register
// pairing in memsys.MMSA.Init (env -> compute -> construct -> register,
// unwinding on each failed step).
package centralheap

import (
	"github.com/nvmalloc/nvmalloc/internal/nvmlog"
	"github.com/nvmalloc/nvmalloc/internal/segment"
	"github.com/nvmalloc/nvmalloc/internal/sizeclass"
	"github.com/nvmalloc/nvmalloc/internal/slab"
	"github.com/nvmalloc/nvmalloc/internal/slabindex"
)

// CentralHeap owns the components shared by every CPU shard.
type CentralHeap struct {
	segments  *segment.Manager
	index     *slabindex.Index
	cacheCap  int
	batchSize int
}

// New builds a CentralHeap over a region of totalSize bytes.
func New(arenaSize, totalSize uint64, indexCapacity, cacheCap, batchSize int) *CentralHeap {
	return &CentralHeap{
		segments:  segment.NewManager(arenaSize, totalSize),
		index:     slabindex.New(indexCapacity, arenaSize),
		cacheCap:  cacheCap,
		batchSize: batchSize,
	}
}

// CarveAndRegister acquires a fresh arena, builds a slab for classIdx,
// and registers it in the index. On any failure after the arena is
// acquired, the arena is released back to the segment manager before
// returning.
func (c *CentralHeap) CarveAndRegister(classIdx int) (*slab.Slab, error) {
	offset, err := c.segments.Acquire()
	if err != nil {
		return nil, err
	}

	blockSize := sizeclass.BlockSize(classIdx)
	totalBlocks := int(c.segments.ArenaSize() / uint64(blockSize))
	s := slab.New(offset, classIdx, blockSize, totalBlocks, c.cacheCap, c.batchSize)

	if err := c.index.Insert(offset, s); err != nil {
		// Roll back: release the arena we just carved.
		c.segments.Release(offset)
		nvmlog.Warn("rolled back arena after index insert failure", "offset", offset)
		return nil, err
	}
	return s, nil
}

// Lookup returns the slab registered at arenaBase, if any.
func (c *CentralHeap) Lookup(arenaBase uint64) (*slab.Slab, bool) {
	return c.index.Lookup(arenaBase)
}

// ReserveAndRegister is CarveAndRegister's recovery-path counterpart: it
// reserves a specific offset (rather than taking whatever first-fit
// gives it) and builds/registers a slab there. Used only by restore when
// the index has no entry for arenaBase yet.
func (c *CentralHeap) ReserveAndRegister(arenaBase uint64, classIdx int) (*slab.Slab, error) {
	if err := c.segments.ReserveAt(arenaBase); err != nil {
		return nil, err
	}

	blockSize := sizeclass.BlockSize(classIdx)
	totalBlocks := int(c.segments.ArenaSize() / uint64(blockSize))
	s := slab.New(arenaBase, classIdx, blockSize, totalBlocks, c.cacheCap, c.batchSize)

	if err := c.index.Insert(arenaBase, s); err != nil {
		c.segments.Release(arenaBase)
		nvmlog.Warn("rolled back reservation after index insert failure", "offset", arenaBase)
		return nil, err
	}
	return s, nil
}

// IndexCount returns the number of registered arenas - used by tests and
// diagnostics (spec.md scenarios reference "index.count" directly).
func (c *CentralHeap) IndexCount() int { return c.index.Count() }

// Segments returns a snapshot of the free-segment list.
func (c *CentralHeap) Segments() []segment.Extent { return c.segments.Segments() }

// ArenaSize returns the configured arena carve unit.
func (c *CentralHeap) ArenaSize() uint64 { return c.segments.ArenaSize() }
