package malloc

import "sync/atomic"
import "unsafe"

// Validate implement api.Mallocer{} interface. Walk every page known
// to the hash table, check the canary protocol on pool metadata, page
// headers and free chains, and reconcile page level accounting with
// the arena counters. Panics on the first violation, otherwise
// returns true. Call only while no other goroutine is using the
// arena.
func (arena *Arena) Validate() bool {
	if arena.ht == nil {
		panicerr("arena released")
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()

	var heap, taken, large int64
	arena.ht.foreach(func(base unsafe.Pointer, pool *poolInfo) {
		switch pool.canary {
		case poolSmallChain:
			heap += Pagesize
			taken += arena.validatepage(base, pool)

		case poolOSAlloc:
			if pool.allocSize > pool.osAllocSize || pool.taken != 1 {
				panicerr("%p alloc %v os %v taken %v",
					base, pool.allocSize, pool.osAllocSize, pool.taken)
			}
			heap += pool.osAllocSize
			large += pool.osAllocSize

		default:
			panicerr("pool for %p wears canary %x", base, pool.canary)
		}
	})

	if h := atomic.LoadInt64(&arena.heap); h != heap {
		panicerr("arena heap %v, pages add up to %v", h, heap)
	}
	alloc := atomic.LoadInt64(&arena.allocated) - large
	ncached := atomic.LoadInt64(&arena.ncached)
	if alloc+ncached != taken {
		panicerr("alloc %v cached %v, pools say %v", alloc, ncached, taken)
	}
	return true
}

// check one small pool page, return bytes taken out of it. Blocks
// parked in caches count as taken here, the caller reconciles them
// against the ncached counter.
func (arena *Arena) validatepage(base unsafe.Pointer, pool *poolInfo) int64 {
	hdr := (*freeBlock)(base)
	hdr.checkcanary(base)
	slab := int64(hdr.blockSize)
	if slab != pool.allocSize {
		panicerr("page %p slab %v, pool says %v", base, slab, pool.allocSize)
	} else if arena.slabs[hdr.poolIndex] != slab {
		panicerr("page %p slab %v under pool index %v", base, slab, hdr.poolIndex)
	}
	free := int64(0)
	for fb := pool.firstFreeBlock; fb != nil; fb = fb.nextFreeBlock {
		fb.checkcanary(unsafe.Pointer(fb))
		if int64(fb.blockSize) != slab {
			panicerr("segment %p slab %v on page %p of %v", fb, fb.blockSize, base, slab)
		}
		free += int64(fb.numFreeBlocks)
	}
	usable := (Pagesize / slab) - 1
	if int64(pool.taken)+free != usable {
		panicerr("page %p taken %v free %v usable %v", base, pool.taken, free, usable)
	}
	return int64(pool.taken) * slab
}
