package api

import "unsafe"

// Mallocer interface for custom memory management.
type Mallocer interface {
	// Slabs allocatable slab of sizes.
	Slabs() (sizes []int64)

	// Alloc allocate a chunk of `n` bytes. Allocated memory is always
	// aligned to the allocator's minimum alignment.
	Alloc(n int64) unsafe.Pointer

	// Allocalign allocate a chunk of `n` bytes aligned to `align`,
	// where align is a power of 2 less than or equal to the page size.
	Allocalign(n, align int64) unsafe.Pointer

	// Realloc previously allocated chunk to a new size. Return value
	// may or may not be same as the input pointer. A nil pointer
	// behaves as Alloc, size zero behaves as Free. Shorthand for
	// Reallocalign at the allocator's minimum alignment.
	Realloc(ptr unsafe.Pointer, n int64) unsafe.Pointer

	// Reallocalign resize a chunk preserving an alignment guarantee,
	// whether the chunk resizes in place or moves. Nil pointer and
	// size zero behave as in Realloc.
	Reallocalign(ptr unsafe.Pointer, n, align int64) unsafe.Pointer

	// Free chunk, or no-op for nil pointer. Pointer must have been
	// returned by this same allocator instance.
	Free(ptr unsafe.Pointer)

	// Slabsize return the usable size for ptr, slab size for small
	// chunks and OS rounded size for large chunks.
	Slabsize(ptr unsafe.Pointer) int64

	// Chunklen return the length of the chunk usable by application.
	Chunklen(ptr unsafe.Pointer) int64

	// Trim release unused cached memory back to OS, best effort. If
	// trimcaches is true flush every cached free block as well.
	Trim(trimcaches bool)

	// Validate walk the heap and check allocator invariants, meant
	// for debugging and tests.
	Validate() bool

	// Release arena, all its pools and resources.
	Release()

	// Info of memory accounting for this arena.
	Info() (capacity, heap, alloc, overhead int64)

	// Utilization map of slab-size and its utilization.
	Utilization() ([]int, []float64)
}

// Pageallocer interface to reserve and release memory from the
// operating system in units of Granularity() bytes. Mallocer
// implementations treat this as an external collaborator.
type Pageallocer interface {
	// Granularity of OS allocation, in bytes. Always a power of 2.
	Granularity() int64

	// Allocpages reserve `n` bytes, n shall be a multiple of
	// Granularity() and the returned pointer is aligned to it.
	// Spans served from the allocator's span cache are not zeroed.
	Allocpages(n int64) unsafe.Pointer

	// Freepages return `n` bytes at ptr, previously obtained via
	// Allocpages with the same size.
	Freepages(ptr unsafe.Pointer, n int64)

	// Trim unmap cached spans, return number of bytes released.
	Trim() int64

	// Info return bytes reserved from OS and bytes cached for reuse.
	Info() (reserved, cached int64)

	// Release all cached resources.
	Release()
}
