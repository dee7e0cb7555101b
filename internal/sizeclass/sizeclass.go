// Package sizeclass maps a requested allocation size to the smallest
// slab block size that can hold it, mirroring the SizeClassID enum from
// the original NvmDefs.h (SC_8B .. SC_4K) and its get_block_size_from_sc_id
// lookup.
package sizeclass

import "github.com/nvmalloc/nvmalloc/internal/nvmerr"

// Sizes is the fixed, ordered set of block sizes. Index position doubles
// as the size-class ID (spec.md §3).
var Sizes = [...]int{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// Count is the number of size classes.
const Count = len(Sizes)

// Max is the largest servable allocation; requests above it fail.
const Max = 4096

// ClassFor returns the index into Sizes and the block size for the
// smallest class able to hold `size` bytes. size must be in (0, Max].
func ClassFor(size int) (idx int, blockSize int, err error) {
	if size <= 0 {
		return 0, 0, nvmerr.New(nvmerr.InvalidArgument, "allocation size %d must be > 0", size)
	}
	if size > Max {
		return 0, 0, nvmerr.New(nvmerr.InvalidArgument, "allocation size %d exceeds max size class %d", size, Max)
	}
	for i, sz := range Sizes {
		if sz >= size {
			return i, sz, nil
		}
	}
	// Unreachable given the Max guard above, but keeps the function total.
	return 0, 0, nvmerr.New(nvmerr.InvalidArgument, "allocation size %d has no matching size class", size)
}

// BlockSize returns the block size for a given class index.
func BlockSize(idx int) int { return Sizes[idx] }
