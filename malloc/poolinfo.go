package malloc

import "unsafe"

// poolInfo canary tags, encode which of three mutually exclusive
// states the pool is in and thereby which fields carry meaning.
const (
	poolUnassigned = uint16(0x0000) // slot not in use
	poolSmallChain = uint16(0xf317) // firstFreeBlock heads the page free chain
	poolOSAlloc    = uint16(0x17ea) // osAllocSize records a large allocation
)

// poolInfo metadata for one page, either carved into slab blocks or
// used wholly for one large allocation. Lives in OS-allocated arrays
// owned by the pool hash table, created when a slab needs a fresh
// page or a large request arrives, and reset to poolUnassigned when
// its page goes back to the OS.
type poolInfo struct {
	taken          uint32 // live blocks, cached blocks count as taken
	canary         uint16
	_pad           uint16
	allocSize      int64 // large allocations, requested bytes
	osAllocSize    int64 // large allocations, OS rounded bytes
	firstFreeBlock *freeBlock
	next           *poolInfo
	ptrToPrevNext  **poolInfo
}

var poolinfosize = int64(unsafe.Sizeof(poolInfo{}))

// setCanary enforce legal state transitions, anything else means a
// double assign, a stale pointer or cross-allocator misuse.
func (pool *poolInfo) setCanary(canary uint16) {
	legal := false
	switch canary {
	case poolSmallChain, poolOSAlloc:
		legal = pool.canary == poolUnassigned
	case poolUnassigned:
		legal = pool.canary == poolSmallChain || pool.canary == poolOSAlloc
	}
	if !legal {
		errorf("malloc: pool canary %x asked to become %x\n", pool.canary, canary)
		panicerr("corrupt pool metadata, canary %x -> %x", pool.canary, canary)
	}
	pool.canary = canary
}

func (pool *poolInfo) checkcanary(canary uint16, ptr unsafe.Pointer) {
	if pool.canary != canary {
		errorf("malloc: pool canary %x, want %x for %p\n", pool.canary, canary, ptr)
		panicerr("corrupt pool metadata for %p", ptr)
	}
}

// pop the free chain head, O(1), advancing to the next chained
// segment when the current one is consumed.
func (pool *poolInfo) allocblock() unsafe.Pointer {
	fb := pool.firstFreeBlock
	ptr := fb.allocblock()
	if fb.numFreeBlocks == 0 {
		pool.firstFreeBlock = fb.nextFreeBlock
	}
	pool.taken++
	return ptr
}

// poolList intrusive list of pools, membership in the per-slab active
// and exhausted lists keeps "find a pool with space" O(1). Not
// copyable once pools are linked.
type poolList struct {
	head *poolInfo
}

func (pl *poolList) link(pool *poolInfo) {
	pool.next = pl.head
	pool.ptrToPrevNext = &pl.head
	if pl.head != nil {
		pl.head.ptrToPrevNext = &pool.next
	}
	pl.head = pool
}

func (pool *poolInfo) unlink() {
	if pool.ptrToPrevNext != nil {
		*pool.ptrToPrevNext = pool.next
		if pool.next != nil {
			pool.next.ptrToPrevNext = pool.ptrToPrevNext
		}
	}
	pool.next, pool.ptrToPrevNext = nil, nil
}
