// Package nvmalloc is the allocator façade: size-class mapping, fast-path
// shard selection, slow-path orchestration, reverse lookup on free, and
// crash recovery. It's the only public entry point into the engine
// implemented by internal/{segment,slab,slabindex,centralheap,percpu}.
//
// Lifecycle is New -> Init -> (Malloc/Free/Restore)* -> Destroy, modeled
// as explicit state owned by the returned *Allocator rather than an
// ambient package-level global, per spec.md §9 ("tests can instantiate
// and tear down repeatedly without residual state").
package nvmalloc

import (
	"sync"
	"unsafe"

	"go.uber.org/atomic"

	"github.com/nvmalloc/nvmalloc/internal/centralheap"
	"github.com/nvmalloc/nvmalloc/internal/config"
	"github.com/nvmalloc/nvmalloc/internal/nvmerr"
	"github.com/nvmalloc/nvmalloc/internal/nvmlog"
	"github.com/nvmalloc/nvmalloc/internal/percpu"
	"github.com/nvmalloc/nvmalloc/internal/sizeclass"
	"github.com/nvmalloc/nvmalloc/internal/slab"
)

// maxMallocRetries bounds the malloc fast-path/slow-path retry loop
// (spec.md §4.6 step 5: "on Full (rare race with another thread's
// allocs) retry step 3"). It's a generous backstop against a pathological
// interleaving, not a tuning knob callers are expected to touch.
const maxMallocRetries = 64

// Config re-exports the tunable set from internal/config so callers
// don't need to import an internal package to build one.
type Config = config.Config

// DefaultConfig returns the baseline tunables before env overrides.
func DefaultConfig() Config { return config.Default() }

// Allocator is the process-wide-singleton-shaped, but explicitly
// instantiated, allocator state.
type Allocator struct {
	cfg    Config
	cpuID  percpu.CPUIDFunc
	initMu sync.Mutex
	ready  atomic.Bool

	base     []byte
	baseAddr uintptr
	regionSz uintptr

	central *centralheap.CentralHeap
	shards  *percpu.Heap
}

// New validates cfg (applying env overrides first) and returns an
// Allocator in the uninitialized state. It does not touch any memory
// region - that happens in Init.
func New(cfg Config) (*Allocator, error) {
	cfg, err := cfg.FromEnv()
	if err != nil {
		return nil, err
	}
	cfg, err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return &Allocator{cfg: cfg, cpuID: percpu.Default()}, nil
}

// WithCPUIDFunc overrides the CPU-id hint source - primarily for tests
// that need deterministic shard assignment.
func (a *Allocator) WithCPUIDFunc(f percpu.CPUIDFunc) *Allocator {
	a.cpuID = f
	return a
}

// Init wires the allocator up to a caller-provided byte region. Double
// init fails; so does a nil or undersized base.
func (a *Allocator) Init(base []byte) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()

	if a.ready.Load() {
		return nvmerr.New(nvmerr.AlreadyInitialized, "allocator already initialized")
	}
	if base == nil {
		return nvmerr.New(nvmerr.InvalidArgument, "region base must not be nil")
	}
	if int64(len(base)) < a.cfg.ArenaSize {
		return nvmerr.New(nvmerr.InvalidArgument,
			"region size %d is smaller than one arena (%d)", len(base), a.cfg.ArenaSize)
	}

	usable := (int64(len(base)) / a.cfg.ArenaSize) * a.cfg.ArenaSize

	a.base = base
	a.baseAddr = uintptr(unsafe.Pointer(&base[0]))
	a.regionSz = uintptr(usable)
	a.central = centralheap.New(uint64(a.cfg.ArenaSize), uint64(usable), a.cfg.IndexCapacity, a.cfg.CacheCap, a.cfg.BatchSize())
	a.shards = percpu.New(a.cfg.MaxCPUs)
	a.ready.Store(true)
	return nil
}

// Destroy tears the allocator back down to the uninitialized state. A
// no-op if the allocator was never (or is no longer) initialized.
func (a *Allocator) Destroy() {
	a.initMu.Lock()
	defer a.initMu.Unlock()

	if !a.ready.Load() {
		return
	}
	a.base = nil
	a.baseAddr = 0
	a.regionSz = 0
	a.central = nil
	a.shards = nil
	a.ready.Store(false)
}

func (a *Allocator) cpuSlot() int {
	raw := a.cpuID()
	cpu := raw % a.cfg.MaxCPUs
	if cpu < 0 {
		cpu += a.cfg.MaxCPUs
	}
	return cpu
}

// Malloc returns a pointer (as a uintptr into the managed region) for a
// block able to hold size bytes, or an error if size is invalid or the
// region is exhausted.
func (a *Allocator) Malloc(size int) (uintptr, error) {
	if !a.ready.Load() {
		return 0, nvmerr.New(nvmerr.Uninitialized, "allocator not initialized")
	}

	classIdx, blockSize, err := sizeclass.ClassFor(size)
	if err != nil {
		return 0, err
	}

	cpu := a.cpuSlot()
	for attempt := 0; attempt < maxMallocRetries; attempt++ {
		s := a.shards.FirstNonFull(cpu, classIdx)
		if s == nil {
			s, err = a.central.CarveAndRegister(classIdx)
			if err != nil {
				return 0, err
			}
			a.shards.PushHead(cpu, classIdx, s)
		}

		idx, err := s.Alloc()
		if err != nil {
			if nvmerr.Is(err, nvmerr.Full) {
				// Rare race: another thread drained this slab between
				// FirstNonFull's check and our Alloc. Retry - a fresh
				// FirstNonFull call will skip it (or carve another).
				continue
			}
			return 0, err
		}
		return a.baseAddr + uintptr(s.ArenaBaseOffset()) + uintptr(idx*blockSize), nil
	}
	return 0, nvmerr.New(nvmerr.NoSpace, "exhausted malloc retries for size %d", size)
}

// Free releases a pointer previously returned by Malloc or Restore. A
// nil pointer (ptr == 0) is a no-op. A pointer that doesn't resolve to a
// known slab is diagnosed and silently ignored, consistent with
// standard free-like semantics - Free never returns an error.
func (a *Allocator) Free(ptr uintptr) {
	if ptr == 0 || !a.ready.Load() {
		return
	}

	offset := uint64(ptr - a.baseAddr)
	if offset >= uint64(a.regionSz) {
		nvmlog.Diagnostic("free of out-of-region pointer ignored", "offset", offset)
		return
	}

	arenaSize := uint64(a.cfg.ArenaSize)
	arenaBase := offset &^ (arenaSize - 1)

	s, ok := a.central.Lookup(arenaBase)
	if !ok {
		nvmlog.Diagnostic("free of unmanaged pointer ignored", "offset", offset)
		return
	}

	blockIdx := int((offset - arenaBase) / uint64(s.BlockSize()))
	s.Free(blockIdx)
}

// Restore re-establishes allocator metadata for a block known to have
// been live before a crash: it marks the block occupied, carving and
// registering its arena first if recovery hasn't seen it yet. Restoring
// the same (ptr, size) twice both succeed and leave the slab state
// identical to a single call.
func (a *Allocator) Restore(ptr uintptr, size int) error {
	if !a.ready.Load() {
		return nvmerr.New(nvmerr.Uninitialized, "allocator not initialized")
	}

	classIdx, blockSize, err := sizeclass.ClassFor(size)
	if err != nil {
		return err
	}

	if ptr < a.baseAddr || ptr-a.baseAddr >= a.regionSz {
		return nvmerr.New(nvmerr.InvalidArgument, "restore pointer is outside the managed region")
	}

	offset := uint64(ptr - a.baseAddr)
	arenaSize := uint64(a.cfg.ArenaSize)
	arenaBase := offset &^ (arenaSize - 1)
	blockIdx := int((offset - arenaBase) / uint64(blockSize))

	s, ok := a.central.Lookup(arenaBase)
	if !ok {
		var err error
		s, err = a.central.ReserveAndRegister(arenaBase, classIdx)
		if err != nil {
			if nvmerr.Is(err, nvmerr.Unavailable) {
				return nvmerr.New(nvmerr.Conflict, "restore window at offset %d is not free: %v", arenaBase, err)
			}
			return err
		}
		// Recovery replay links its reconstructed slabs into shard 0,
		// per spec.md §4.6 step 2 - there is no "owning CPU" to prefer
		// before any fast-path allocation has happened on this arena.
		a.shards.PushHead(0, classIdx, s)
	} else if s.ClassIdx() != classIdx {
		return nvmerr.New(nvmerr.Conflict, "restore class %d conflicts with existing slab class %d", classIdx, s.ClassIdx())
	}

	return s.SetOccupied(blockIdx)
}

// Stats is an allocator-wide snapshot: aggregate arena/index bookkeeping
// plus per-size-class occupancy across every shard. Supplements spec.md
// (the original NvmAllocator.c exposes an equivalent aggregate beyond
// per-slab stats - see SPEC_FULL.md §10).
type Stats struct {
	ArenaCount   int
	FreeSegments int
	PerClass     [sizeclass.Count]ClassStats
}

// ClassStats aggregates Slab.Stats() across every shard for one class.
type ClassStats struct {
	BlockSize   int
	SlabCount   int
	Allocated   int64
	TotalBlocks int64
}

// Stats walks every shard's chains and the central index to build an
// aggregate snapshot. It takes each slab's lock in turn (via Slab.Stats)
// but no allocator-wide lock - the snapshot is a point-in-time best
// effort, consistent with the relaxed nature of occupancy observers
// elsewhere in the design.
func (a *Allocator) Stats() Stats {
	if !a.ready.Load() {
		return Stats{}
	}

	var st Stats
	st.FreeSegments = len(a.central.Segments())
	st.ArenaCount = a.central.IndexCount()

	seen := make(map[*slab.Slab]bool)
	for cpu := 0; cpu < a.shards.NumShards(); cpu++ {
		for classIdx := 0; classIdx < sizeclass.Count; classIdx++ {
			a.shards.Walk(cpu, classIdx, func(s *slab.Slab) {
				if seen[s] {
					return
				}
				seen[s] = true
				snap := s.Stats()
				cs := &st.PerClass[classIdx]
				cs.BlockSize = snap.BlockSize
				cs.SlabCount++
				cs.Allocated += snap.Allocated
				cs.TotalBlocks += int64(snap.TotalBlocks)
			})
		}
	}
	return st
}
