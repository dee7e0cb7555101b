package nvmalloc_test

import (
	"unsafe"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nvmalloc/nvmalloc/internal/nvmerr"
	"github.com/nvmalloc/nvmalloc/nvmalloc"
)

// pinnedCPU returns a CPUIDFunc that always reports the same id, giving
// tests deterministic shard assignment instead of depending on the real
// scheduler hint.
func pinnedCPU(id int) func() int {
	return func() int { return id }
}

func regionAddr(region []byte) uintptr {
	return uintptr(unsafe.Pointer(&region[0]))
}

var _ = Describe("Allocator", func() {
	// S1: a single small allocation carves exactly one arena and frees
	// cleanly back to empty.
	It("carves one arena for a single allocation and frees it back to empty", func() {
		cfg := nvmalloc.DefaultConfig()
		region := make([]byte, 10*cfg.ArenaSize)
		a, err := nvmalloc.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		a.WithCPUIDFunc(pinnedCPU(0))
		Expect(a.Init(region)).To(Succeed())

		p, err := a.Malloc(30) // rounds up to the 32-byte class
		Expect(err).NotTo(HaveOccurred())

		base := regionAddr(region)
		Expect(p).To(BeNumerically(">=", base))
		Expect(p).To(BeNumerically("<", base+uintptr(len(region))))
		Expect((p - base) % 32).To(Equal(uintptr(0)))

		st := a.Stats()
		Expect(st.ArenaCount).To(Equal(1))
		Expect(st.FreeSegments).To(Equal(1)) // the remaining 9 arenas, coalesced

		a.Free(p)
		st = a.Stats()
		Expect(st.PerClass[2].Allocated).To(Equal(int64(0))) // class index 2 == 32 bytes
	})

	// S2: two same-size allocations land in the same arena/slab; a
	// different size class carves a second arena.
	It("packs same-class allocations into one slab and opens a new arena for a new class", func() {
		cfg := nvmalloc.DefaultConfig()
		region := make([]byte, 10*cfg.ArenaSize)
		a, err := nvmalloc.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		a.WithCPUIDFunc(pinnedCPU(0))
		Expect(a.Init(region)).To(Succeed())

		p1, err := a.Malloc(60) // class 64
		Expect(err).NotTo(HaveOccurred())
		p2, err := a.Malloc(60)
		Expect(err).NotTo(HaveOccurred())
		Expect(p1).NotTo(Equal(p2))

		Expect(a.Stats().ArenaCount).To(Equal(1))

		_, err = a.Malloc(8) // class 8: a new slab, a new arena
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Stats().ArenaCount).To(Equal(2))
	})

	// S3: filling one arena's worth of a class plus one more block opens
	// a second slab for the same class, and the spilled-over emptied
	// first slab stays registered (deferred reclamation).
	It("opens a second slab once the first is full and keeps an emptied slab registered", func() {
		cfg := nvmalloc.DefaultConfig()
		cfg.ArenaSize = 32 * 1024 // shrink the arena so the scenario runs fast
		region := make([]byte, 10*cfg.ArenaSize)
		a, err := nvmalloc.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		a.WithCPUIDFunc(pinnedCPU(0))
		Expect(a.Init(region)).To(Succeed())

		blocksPerArena := int(cfg.ArenaSize / 128)
		ptrs := make([]uintptr, 0, blocksPerArena+1)
		for i := 0; i < blocksPerArena+1; i++ {
			p, err := a.Malloc(128)
			Expect(err).NotTo(HaveOccurred())
			ptrs = append(ptrs, p)
		}
		Expect(a.Stats().ArenaCount).To(Equal(2))

		for i := 0; i < blocksPerArena; i++ {
			a.Free(ptrs[i])
		}
		// The first slab is now empty but still registered: the arena
		// count (index size) does not shrink on Free.
		Expect(a.Stats().ArenaCount).To(Equal(2))
	})

	// S4: exhausting a small region causes a subsequent Malloc to fail
	// with NoSpace rather than carving past the region's end.
	It("fails with NoSpace once the region is exhausted", func() {
		cfg := nvmalloc.DefaultConfig()
		cfg.ArenaSize = 4096 // == MaxSizeClass, the smallest legal arena
		region := make([]byte, 2*cfg.ArenaSize)
		a, err := nvmalloc.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		a.WithCPUIDFunc(pinnedCPU(0))
		Expect(a.Init(region)).To(Succeed())

		for i := 0; i < int(cfg.ArenaSize)/8; i++ {
			_, err := a.Malloc(8)
			Expect(err).NotTo(HaveOccurred())
		}
		for i := 0; i < int(cfg.ArenaSize)/16; i++ {
			_, err := a.Malloc(16)
			Expect(err).NotTo(HaveOccurred())
		}

		_, err = a.Malloc(32)
		Expect(nvmerr.Is(err, nvmerr.NoSpace)).To(BeTrue())
	})

	// S5: restoring a pointer into an as-yet-unseen arena reserves
	// exactly that arena's window out of the free-segment list.
	It("reserves the specific arena window a restore targets", func() {
		cfg := nvmalloc.DefaultConfig()
		region := make([]byte, 10*cfg.ArenaSize)
		a, err := nvmalloc.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Init(region)).To(Succeed())

		base := regionAddr(region)
		target := base + uintptr(2*cfg.ArenaSize) + 64

		Expect(a.Restore(target, 60)).To(Succeed()) // class 64

		st := a.Stats()
		Expect(st.ArenaCount).To(Equal(1))
		Expect(st.FreeSegments).To(Equal(2)) // split around the reserved arena
		Expect(st.PerClass[3].Allocated).To(Equal(int64(1))) // class index 3 == 64 bytes
	})

	// S6: restore is idempotent for the same (ptr, size), and rejects a
	// conflicting size class for an already-registered arena.
	It("is idempotent and rejects a conflicting class on restore", func() {
		cfg := nvmalloc.DefaultConfig()
		region := make([]byte, 10*cfg.ArenaSize)
		a, err := nvmalloc.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Init(region)).To(Succeed())

		base := regionAddr(region)
		target := base + uintptr(2*cfg.ArenaSize) + 64

		Expect(a.Restore(target, 60)).To(Succeed())
		Expect(a.Restore(target, 60)).To(Succeed()) // repeat: no error, no double-count
		Expect(a.Stats().PerClass[3].Allocated).To(Equal(int64(1)))

		conflicting := base + uintptr(2*cfg.ArenaSize) + 256
		err = a.Restore(conflicting, 512) // same arena, different class
		Expect(nvmerr.Is(err, nvmerr.Conflict)).To(BeTrue())
	})

	It("rejects Malloc and Restore before Init and double Init", func() {
		cfg := nvmalloc.DefaultConfig()
		a, err := nvmalloc.New(cfg)
		Expect(err).NotTo(HaveOccurred())

		_, err = a.Malloc(8)
		Expect(nvmerr.Is(err, nvmerr.Uninitialized)).To(BeTrue())
		Expect(nvmerr.Is(a.Restore(0, 8), nvmerr.Uninitialized)).To(BeTrue())

		region := make([]byte, 10*cfg.ArenaSize)
		Expect(a.Init(region)).To(Succeed())
		Expect(nvmerr.Is(a.Init(region), nvmerr.AlreadyInitialized)).To(BeTrue())
	})

	// P8: freeing and re-allocating on the same CPU hint reuses the same
	// arena rather than carving a fresh one.
	It("reuses the same slab's arena for same-CPU free-then-malloc", func() {
		cfg := nvmalloc.DefaultConfig()
		region := make([]byte, 10*cfg.ArenaSize)
		a, err := nvmalloc.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		a.WithCPUIDFunc(pinnedCPU(0))
		Expect(a.Init(region)).To(Succeed())

		p1, err := a.Malloc(16)
		Expect(err).NotTo(HaveOccurred())
		a.Free(p1)

		p2, err := a.Malloc(16)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Stats().ArenaCount).To(Equal(1))

		base := regionAddr(region)
		arena1 := (uint64(p1-base)) &^ (uint64(cfg.ArenaSize) - 1)
		arena2 := (uint64(p2-base)) &^ (uint64(cfg.ArenaSize) - 1)
		Expect(arena2).To(Equal(arena1))
	})

	// P7 (reverse-lookup closure): a pointer handed out by Malloc is
	// immediately restorable at the same (ptr, size) without error,
	// since the forward allocation already registered it as occupied.
	It("accepts a restore of a pointer malloc just handed out", func() {
		cfg := nvmalloc.DefaultConfig()
		region := make([]byte, 10*cfg.ArenaSize)
		a, err := nvmalloc.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		a.WithCPUIDFunc(pinnedCPU(0))
		Expect(a.Init(region)).To(Succeed())

		p, err := a.Malloc(100) // class 128
		Expect(err).NotTo(HaveOccurred())

		Expect(a.Restore(p, 100)).To(Succeed())
		Expect(a.Stats().PerClass[4].Allocated).To(Equal(int64(1))) // class index 4 == 128 bytes
	})
})
