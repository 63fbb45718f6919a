// Package malloc implements a thread-safe, binned memory allocator
// for long running latency sensitive processes:
//
//   - Memory is allocated in fixed size pages of 64KB, each page is
//     either carved into blocks of a single slab size or used wholly
//     for one large allocation.
//   - Requests up to Maxslabsize round up to the nearest slab, larger
//     requests round up to OS page granularity.
//   - Allocated chunks carry no per-allocation header, a pool hash
//     table maps any chunk address back to its page metadata.
//   - The hot alloc/free path is served by cached free block bundles,
//     per cache-owner partial and full bundles refilled through a
//     lock-free global recycler. Only cache misses, large allocations
//     and page reclaim take the arena mutex.
//   - Metadata guarding is done with canary words, any mismatch, a
//     double free, or a foreign pointer panics immediately. There is
//     no partial failure path, once corruption is suspected continuing
//     execution is unsafe.
//
// Arena is the explicit allocator context, construct one at process
// start with NewArena() and Release() it after flushing callers. All
// Arena methods except construction and Release are safe for
// concurrent use. Pointers returned by one arena must never be passed
// to another.
package malloc
