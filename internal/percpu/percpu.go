// Package percpu implements the per-CPU front end: one cache-line-padded
// shard per CPU, each holding per-size-class intrusive linked lists of
// the slabs owned by that shard (full slabs stay chained; FirstNonFull
// skips them). Grounded on spec.md §4.5/§9: a
// shard's list is mutated only by the CPU that owns it, so list
// traversal needs no lock at all; cross-thread frees never touch it,
// since free() routes through the SlabIndex instead (see
// internal/centralheap and the nvmalloc façade).
package percpu

import (
	"github.com/nvmalloc/nvmalloc/internal/sizeclass"
	"github.com/nvmalloc/nvmalloc/internal/slab"
)

// CPUIDFunc returns an advisory CPU id, unbounded - the façade is
// responsible for folding it into [0, MaxCPUs).
type CPUIDFunc func() int

// Default is the platform-appropriate CPUIDFunc: sched_getcpu(2) on
// Linux, an atomic round-robin counter elsewhere.
func Default() CPUIDFunc { return SchedCPUID }

// cacheLinePad is sized to push consecutive shards onto separate cache
// lines on common architectures, preventing false sharing between CPUs
// that are, by construction, never supposed to touch each other's shard.
const cacheLinePad = 64

// shard holds one CPU's per-size-class slab chains.
type shard struct {
	heads [sizeclass.Count]*slab.Slab
	_     [cacheLinePad]byte
}

// Heap is the array of per-CPU shards.
type Heap struct {
	shards []shard
}

// New builds a Heap with the given number of shards.
func New(maxCPUs int) *Heap {
	return &Heap{shards: make([]shard, maxCPUs)}
}

// NumShards returns the configured shard count.
func (h *Heap) NumShards() int { return len(h.shards) }

// FirstNonFull walks cpu's chain for classIdx looking for a slab with
// spare capacity. IsFull is a relaxed observer, so this may occasionally
// pick a slab that fills between the check and the subsequent Alloc -
// the façade's slow-path retry loop handles that race.
func (h *Heap) FirstNonFull(cpu, classIdx int) *slab.Slab {
	for s := h.shards[cpu].heads[classIdx]; s != nil; s = s.NextInChain {
		if !s.IsFull() {
			return s
		}
	}
	return nil
}

// PushHead links s onto the head of cpu's chain for classIdx. Must only
// ever be called by code running (logically) on cpu - the shard's list
// is lock-free specifically because it has exactly one mutator.
func (h *Heap) PushHead(cpu, classIdx int, s *slab.Slab) {
	s.NextInChain = h.shards[cpu].heads[classIdx]
	h.shards[cpu].heads[classIdx] = s
}

// Walk calls fn for every slab chained under cpu/classIdx, in chain
// order. Used by Stats aggregation and by tests checking P9 (no
// cross-shard leakage).
func (h *Heap) Walk(cpu, classIdx int, fn func(*slab.Slab)) {
	for s := h.shards[cpu].heads[classIdx]; s != nil; s = s.NextInChain {
		fn(s)
	}
}
