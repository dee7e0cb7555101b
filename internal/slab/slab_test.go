package slab_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nvmalloc/nvmalloc/internal/nvmerr"
	"github.com/nvmalloc/nvmalloc/internal/slab"
)

var _ = Describe("Slab", func() {
	// Deliberately small geometry (10 blocks, a 4-deep cache refilled in
	// batches of 2) so the ring-buffer refill/drain boundary conditions
	// are exercised within a handful of operations instead of needing
	// thousands of allocations.
	newSmallSlab := func() *slab.Slab {
		return slab.New(0 /* arenaBaseOffset */, 0 /* classIdx */, 8 /* blockSize */, 10, 4, 2)
	}

	It("hands out every block exactly once before going Full", func() {
		s := newSmallSlab()
		seen := map[int]bool{}
		for i := 0; i < 10; i++ {
			idx, err := s.Alloc()
			Expect(err).NotTo(HaveOccurred())
			Expect(seen[idx]).To(BeFalse(), "block %d issued twice", idx)
			seen[idx] = true
		}
		Expect(s.IsFull()).To(BeTrue())

		_, err := s.Alloc()
		Expect(nvmerr.Is(err, nvmerr.Full)).To(BeTrue())
	})

	It("tracks allocated_count precisely across alloc/free", func() {
		s := newSmallSlab()
		idx, err := s.Alloc()
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Allocated()).To(Equal(int64(1)))
		Expect(s.IsEmpty()).To(BeFalse())

		s.Free(idx)
		Expect(s.Allocated()).To(Equal(int64(0)))
		Expect(s.IsEmpty()).To(BeTrue())
	})

	It("reuses a freed block for a subsequent allocation on a full slab", func() {
		s := newSmallSlab()
		var idxs []int
		for i := 0; i < 10; i++ {
			idx, err := s.Alloc()
			Expect(err).NotTo(HaveOccurred())
			idxs = append(idxs, idx)
		}
		Expect(s.IsFull()).To(BeTrue())

		s.Free(idxs[0])
		Expect(s.IsFull()).To(BeFalse())

		reissued, err := s.Alloc()
		Expect(err).NotTo(HaveOccurred())
		Expect(reissued).To(Equal(idxs[0]))
	})

	It("ignores a double free", func() {
		s := newSmallSlab()
		idx, _ := s.Alloc()
		s.Free(idx)
		Expect(s.Allocated()).To(Equal(int64(0)))

		s.Free(idx) // double free: diagnosed and ignored
		Expect(s.Allocated()).To(Equal(int64(0)))
	})

	It("ignores a free of a block still sitting in the cache", func() {
		s := newSmallSlab()
		// batch=2: the first Alloc refills two indices (0 and 1) into
		// the cache and pops one (0), leaving 1 reserved-but-uncalled.
		idx, err := s.Alloc()
		Expect(err).NotTo(HaveOccurred())
		Expect(idx).To(Equal(0))

		s.Free(1) // block 1 is in the cache, never handed to a caller
		Expect(s.Allocated()).To(Equal(int64(1)))
	})

	It("panics on an out-of-range free", func() {
		s := newSmallSlab()
		Expect(func() { s.Free(999) }).To(Panic())
	})

	It("treats SetOccupied as idempotent", func() {
		s := newSmallSlab()
		Expect(s.SetOccupied(3)).To(Succeed())
		Expect(s.Allocated()).To(Equal(int64(1)))

		Expect(s.SetOccupied(3)).To(Succeed())
		Expect(s.Allocated()).To(Equal(int64(1)))

		// A block marked by SetOccupied is caller-held and can be freed
		// like any allocated block.
		s.Free(3)
		Expect(s.Allocated()).To(Equal(int64(0)))
	})

	It("rejects an out-of-range SetOccupied", func() {
		s := newSmallSlab()
		err := s.SetOccupied(999)
		Expect(nvmerr.Is(err, nvmerr.OutOfRange)).To(BeTrue())
	})

	It("reports consistent Stats", func() {
		s := newSmallSlab()
		for i := 0; i < 3; i++ {
			_, err := s.Alloc()
			Expect(err).NotTo(HaveOccurred())
		}
		st := s.Stats()
		Expect(st.BlockSize).To(Equal(8))
		Expect(st.TotalBlocks).To(Equal(10))
		Expect(st.Allocated).To(Equal(int64(3)))
	})
})
