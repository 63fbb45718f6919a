package malloc

import "sync"
import "sync/atomic"
import "unsafe"

import s "github.com/bnclabs/gosettings"
import "github.com/bnclabs/gobinned/api"
import "github.com/bnclabs/gobinned/lib"
import "github.com/bnclabs/gobinned/vmm"

// poolTable per slab size book keeping, all fields guarded by the
// arena mutex except maxnodes which is immutable after construction.
type poolTable struct {
	slab      int64
	maxnodes  int32 // bundle node limit for this slab
	active    poolList
	exhausted poolList
	npages    int64
}

// Arena of memory, with a pool of pages for every slab size and one
// OS page, or more, for every large allocation. Pointer to metadata
// lookups go through a hash table on the page address, small blocks
// carry no per-allocation header.
type Arena struct {
	// statistics, 64-bit aligned and updated via atomics.
	heap      int64 // bytes reserved from OS for application data
	allocated int64 // bytes handed out to application
	ncached   int64 // bytes parked in cached lists and the recycler
	nallocs   int64
	nfrees    int64

	slabs     []int64
	sizeindex []uint8
	pools     []poolTable
	recycler  *globalRecycler
	caches    *cacheRegistry // nil when "tcache" is false
	vm        api.Pageallocer

	mu sync.Mutex // guards pools and ht, taken after a cache mutex
	ht *poolHashTable

	reqsize *lib.AverageInt64 // distribution of requested sizes

	// settings
	capacity int64
	prefill  int64
}

var _ api.Mallocer = (*Arena)(nil)

// NewArena create a new memory arena with its own OS page allocator,
// refer Defaultsettings() for arena settings.
func NewArena(setts s.Settings) *Arena {
	vmsetts := setts.Section("vmm.").Trim("vmm.")
	return NewArenawith(vmm.New(vmsetts), setts)
}

// NewArenawith create a new memory arena over a supplied OS page
// allocator, its granularity shall equal Pagesize.
func NewArenawith(vm api.Pageallocer, setts s.Settings) *Arena {
	if vm.Granularity() != Pagesize {
		panicerr("granularity %v, expected %v", vm.Granularity(), Pagesize)
	}
	arena := &Arena{
		slabs:    Slabsizes(Minslabsize, Maxslabsize),
		vm:       vm,
		reqsize:  lib.NewAverageInt64(),
		capacity: setts.Int64("capacity"),
		prefill:  setts.Int64("prefill"),
	}
	if int64(len(arena.slabs)) > Maxpools {
		panicerr("number of pools %v exceeds %v", len(arena.slabs), Maxpools)
	} else if arena.capacity > Maxallocsize {
		panicerr("capacity %v exceeds %v", arena.capacity, Maxallocsize)
	}
	arena.sizeindex = mksizeindex(arena.slabs)
	arena.pools = make([]poolTable, len(arena.slabs))
	bundlecount := setts.Int64("bundle.count")
	bundlesize := setts.Int64("bundle.size")
	for i, slab := range arena.slabs {
		maxnodes := bundlesize / slab
		if maxnodes > bundlecount {
			maxnodes = bundlecount
		} else if maxnodes < 1 {
			maxnodes = 1
		}
		arena.pools[i] = poolTable{slab: slab, maxnodes: int32(maxnodes)}
	}
	arena.recycler = newglobalrecycler(len(arena.slabs))
	if setts.Bool("tcache") {
		arena.caches = newcacheregistry(len(arena.slabs))
	}
	arena.ht = newpoolhashtable(vm)
	infof("%v started with %v slabs, capacity %v\n",
		logprefix, len(arena.slabs), arena.capacity)
	return arena
}

//---- operations

// Slabs implement api.Mallocer{} interface.
func (arena *Arena) Slabs() []int64 {
	sizes := make([]int64, len(arena.slabs))
	copy(sizes, arena.slabs)
	return sizes
}

// Alloc implement api.Mallocer{} interface.
func (arena *Arena) Alloc(n int64) unsafe.Pointer {
	return arena.Allocalign(n, Alignment)
}

// Allocalign implement api.Mallocer{} interface.
func (arena *Arena) Allocalign(n, align int64) unsafe.Pointer {
	if arena.ht == nil {
		panicerr("arena released")
	} else if n > Maxallocsize {
		panicerr("Alloc size %v exceeds %v", n, Maxallocsize)
	} else if n < 0 {
		panicerr("Alloc size %v is negative", n)
	} else if !lib.Ispowerof2(align) || align > Pagesize {
		panicerr("alignment %v invalid", align)
	}
	if n == 0 {
		n = 1
	}
	arena.reqsize.Add(n)
	if n <= Maxslabsize {
		// a block is aligned to `align` iff its slab is a multiple
		// of it, pages themselves are Pagesize aligned.
		for pi := arena.slabindex(n); pi < len(arena.slabs); pi++ {
			if (arena.slabs[pi] % align) == 0 {
				return arena.allocsmall(pi)
			}
		}
	}
	return arena.alloclarge(n)
}

// Free implement api.Mallocer{} interface. Double frees of small
// chunks are caught through the free canary word, a probabilistic
// check, refer the canary notes in this package.
func (arena *Arena) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	} else if arena.ht == nil {
		panicerr("arena released")
	} else if isosalloc(ptr) {
		arena.freelarge(ptr)
		return
	}
	hdr := pageheader(ptr)
	hdr.checkcanary(ptr)
	if w := *(*uint32)(ptr); w == freeblockCanary || w == bundleCanary {
		errorf("%v double free of %p\n", logprefix, ptr)
		panicerr("double free of %p", ptr)
	}
	pi, slab := int(hdr.poolIndex), int64(hdr.blockSize)
	atomic.AddInt64(&arena.allocated, -slab)
	atomic.AddInt64(&arena.nfrees, 1)

	if arena.caches == nil {
		arena.mu.Lock()
		defer arena.mu.Unlock()
		arena.mergeblock(pi, ptr)
		return
	}
	tc := arena.caches.get()
	defer arena.caches.put(tc)
	fbl := &tc.lists[pi]
	maxnodes := arena.pools[pi].maxnodes
	if !fbl.push(ptr, maxnodes) {
		// both bundles full, hand the older one to the recycler.
		full := fbl.detachfull()
		tc.ncached -= int64(full.count)
		if !arena.recycler.push(pi, full) {
			merged := arena.mergebundles(pi, full)
			atomic.AddInt64(&arena.ncached, -merged*slab)
		}
		fbl.push(ptr, maxnodes)
	}
	tc.ncached++
	atomic.AddInt64(&arena.ncached, slab)
}

// Realloc implement api.Mallocer{} interface.
func (arena *Arena) Realloc(ptr unsafe.Pointer, n int64) unsafe.Pointer {
	return arena.Reallocalign(ptr, n, Alignment)
}

// Reallocalign implement api.Mallocer{} interface. A chunk that moves
// is reallocated through Allocalign, so the alignment guarantee
// follows the chunk across resizes.
func (arena *Arena) Reallocalign(ptr unsafe.Pointer, n, align int64) unsafe.Pointer {
	if ptr == nil {
		return arena.Allocalign(n, align)
	} else if n == 0 {
		arena.Free(ptr)
		return nil
	} else if !lib.Ispowerof2(align) || align > Pagesize {
		panicerr("alignment %v invalid", align)
	}
	if isosalloc(ptr) {
		// page aligned chunks satisfy any legal alignment in place.
		old, ok := arena.resizelarge(ptr, n)
		if ok {
			return ptr
		}
		return arena.movechunk(ptr, old, n, align)
	}
	hdr := pageheader(ptr)
	hdr.checkcanary(ptr)
	slab := int64(hdr.blockSize)
	if n <= Maxslabsize && arena.slabs[arena.slabindex(n)] == slab &&
		(slab%align) == 0 {
		return ptr // same slab, alignment holds, resize in place
	}
	return arena.movechunk(ptr, slab, n, align)
}

// Slabsize implement api.Mallocer{} interface.
func (arena *Arena) Slabsize(ptr unsafe.Pointer) int64 {
	if isosalloc(ptr) {
		arena.mu.Lock()
		defer arena.mu.Unlock()
		pool := arena.ht.findPoolInfo(ptr)
		if pool == nil {
			panicerr("%p is not an arena pointer", ptr)
		}
		pool.checkcanary(poolOSAlloc, ptr)
		return pool.osAllocSize
	}
	hdr := pageheader(ptr)
	hdr.checkcanary(ptr)
	return int64(hdr.blockSize)
}

// Chunklen implement api.Mallocer{} interface.
func (arena *Arena) Chunklen(ptr unsafe.Pointer) int64 {
	if isosalloc(ptr) {
		arena.mu.Lock()
		defer arena.mu.Unlock()
		pool := arena.ht.findPoolInfo(ptr)
		if pool == nil {
			panicerr("%p is not an arena pointer", ptr)
		}
		pool.checkcanary(poolOSAlloc, ptr)
		return pool.allocSize
	}
	return arena.Slabsize(ptr)
}

// Trim implement api.Mallocer{} interface.
func (arena *Arena) Trim(trimcaches bool) {
	if arena.ht == nil {
		panicerr("arena released")
	}
	if trimcaches {
		arena.clearcaches()
	}
	arena.vm.Trim()
}

// Release implement api.Mallocer{} interface.
func (arena *Arena) Release() {
	if arena.ht == nil {
		panicerr("arena released")
	}
	arena.clearcaches()
	if alloc := atomic.LoadInt64(&arena.allocated); alloc > 0 {
		warnf("%v releasing with %v bytes still allocated\n", logprefix, alloc)
	}
	arena.mu.Lock()
	arena.ht.foreach(func(base unsafe.Pointer, pool *poolInfo) {
		switch pool.canary {
		case poolSmallChain:
			arena.vm.Freepages(base, Pagesize)
		case poolOSAlloc:
			arena.vm.Freepages(base, pool.osAllocSize)
		}
	})
	arena.ht.release()
	arena.ht, arena.pools, arena.slabs = nil, nil, nil
	arena.mu.Unlock()
	arena.vm.Release()
	infof("%v released\n", logprefix)
}

//---- local functions

func (arena *Arena) slabindex(n int64) int {
	return int(arena.sizeindex[(n+Alignment-1)>>Alignshift])
}

func (arena *Arena) allocsmall(pi int) unsafe.Pointer {
	slab := arena.slabs[pi]
	if arena.caches == nil {
		ptr := arena.lockedallocpooled(pi)
		atomic.AddInt64(&arena.allocated, slab)
		atomic.AddInt64(&arena.nallocs, 1)
		initblock(ptr, slab)
		return ptr
	}
	tc := arena.caches.get()
	defer arena.caches.put(tc)
	fbl := &tc.lists[pi]
	ptr := fbl.pop()
	if ptr == nil {
		if head := arena.recycler.pop(pi); head != nil {
			// blocks stay within the cached population, only the
			// per cache counter moves.
			fbl.refill(head)
			tc.ncached += int64(head.count)
			ptr = fbl.pop()
		} else {
			ptr = arena.prefillcache(pi, fbl, tc)
		}
	}
	tc.ncached--
	atomic.AddInt64(&arena.ncached, -slab)
	atomic.AddInt64(&arena.allocated, slab)
	atomic.AddInt64(&arena.nallocs, 1)
	initblock(ptr, slab)
	return ptr
}

// take one block under the arena mutex, released on the way out even
// when the capacity check panics.
func (arena *Arena) lockedallocpooled(pi int) unsafe.Pointer {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	return arena.allocpooled(pi)
}

// cache and recycler missed, take the arena mutex once and pull
// prefill extra blocks along with the one requested. Both bundles are
// empty here, so pushing up to maxnodes blocks cannot fail.
func (arena *Arena) prefillcache(
	pi int, fbl *freeBlockList, tc *threadCache) unsafe.Pointer {

	extra := arena.prefill
	if maxnodes := int64(arena.pools[pi].maxnodes); extra > maxnodes {
		extra = maxnodes
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	ptr := arena.allocpooled(pi)
	for i := int64(0); i < extra; i++ {
		fbl.push(arena.allocpooled(pi), arena.pools[pi].maxnodes)
	}
	tc.ncached += extra + 1 // popped back by the caller
	atomic.AddInt64(&arena.ncached, (extra+1)*arena.slabs[pi])
	return ptr
}

// take one block from the slab's pools, creating a fresh page when
// every pool is exhausted. Caller holds the arena mutex. Blocks
// handed out by this function retain their free chain canary, callers
// scrub it through initblock.
func (arena *Arena) allocpooled(pi int) unsafe.Pointer {
	pt := &arena.pools[pi]
	pool := pt.active.head
	if pool == nil {
		pool = arena.newpage(pt, pi)
	}
	ptr := pool.allocblock()
	if pool.firstFreeBlock == nil {
		pool.unlink()
		pt.exhausted.link(pool)
	}
	return ptr
}

func (arena *Arena) newpage(pt *poolTable, pi int) *poolInfo {
	if atomic.LoadInt64(&arena.heap)+Pagesize > arena.capacity {
		panic(ErrorOutofMemory)
	}
	base := arena.vm.Allocpages(Pagesize)
	pool := arena.ht.getOrCreatePoolInfo(base, poolSmallChain)
	pool.taken, pool.allocSize, pool.osAllocSize = 0, pt.slab, 0
	pool.firstFreeBlock = initpageheader(base, pt.slab, pi)
	pt.active.link(pool)
	pt.npages++
	atomic.AddInt64(&arena.heap, Pagesize)
	return pool
}

// merge one block back into its pool's free chain, releasing the page
// when its last block comes home. Caller holds the arena mutex.
func (arena *Arena) mergeblock(pi int, ptr unsafe.Pointer) {
	base := pagebase(ptr)
	pool := arena.ht.findPoolInfo(base)
	if pool == nil {
		panicerr("free of %p, unknown page", ptr)
	}
	pool.checkcanary(poolSmallChain, ptr)
	exhausted := pool.firstFreeBlock == nil
	pool.firstFreeBlock = mkfreesegment(ptr, (*freeBlock)(base), pool.firstFreeBlock)
	pool.taken--
	pt := &arena.pools[pi]
	if exhausted {
		pool.unlink()
		pt.active.link(pool)
	}
	if pool.taken == 0 {
		pool.unlink()
		pool.setCanary(poolUnassigned)
		pool.firstFreeBlock = nil
		pt.npages--
		arena.vm.Freepages(base, Pagesize)
		atomic.AddInt64(&arena.heap, -Pagesize)
	}
}

// merge a chain of bundles back into the pool chains, return the
// number of blocks merged. Next pointers are read before the merge
// overwrites the node.
func (arena *Arena) mergebundles(pi int, head *bundleNode) (count int64) {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	for b := head; b != nil; {
		nextbundle := b.nextBundle
		for node := b; node != nil; {
			nextnode := node.nextNodeInCurrentBundle
			arena.mergeblock(pi, unsafe.Pointer(node))
			count++
			node = nextnode
		}
		b = nextbundle
	}
	return count
}

func (arena *Arena) alloclarge(n int64) unsafe.Pointer {
	size := lib.Roundup(n, Pagesize)
	arena.mu.Lock()
	defer arena.mu.Unlock()
	// heap moves only under the mutex for os sized spans, so the
	// capacity check cannot be raced past by a concurrent reservation.
	if atomic.LoadInt64(&arena.heap)+size > arena.capacity {
		panic(ErrorOutofMemory)
	}
	base := arena.vm.Allocpages(size)
	pool := arena.ht.getOrCreatePoolInfo(base, poolOSAlloc)
	pool.taken, pool.allocSize, pool.osAllocSize = 1, n, size
	pool.firstFreeBlock = nil
	atomic.AddInt64(&arena.heap, size)
	atomic.AddInt64(&arena.allocated, size)
	atomic.AddInt64(&arena.nallocs, 1)
	return base
}

func (arena *Arena) freelarge(ptr unsafe.Pointer) {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	pool := arena.ht.findPoolInfo(ptr)
	if pool == nil {
		errorf("%v free of %p, no such os allocation\n", logprefix, ptr)
		panicerr("free of %p, no such os allocation", ptr)
	}
	pool.checkcanary(poolOSAlloc, ptr)
	size := pool.osAllocSize
	pool.setCanary(poolUnassigned)
	pool.taken, pool.allocSize, pool.osAllocSize = 0, 0, 0
	arena.vm.Freepages(ptr, size)
	atomic.AddInt64(&arena.heap, -size)
	atomic.AddInt64(&arena.allocated, -size)
	atomic.AddInt64(&arena.nfrees, 1)
}

// resize a large chunk within its reserved span. Return the previous
// requested size and whether the resize happened in place.
func (arena *Arena) resizelarge(ptr unsafe.Pointer, n int64) (old int64, ok bool) {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	pool := arena.ht.findPoolInfo(ptr)
	if pool == nil {
		panicerr("realloc of %p, not an arena pointer", ptr)
	}
	pool.checkcanary(poolOSAlloc, ptr)
	old = pool.allocSize
	if n > Maxslabsize && lib.Roundup(n, Pagesize) == pool.osAllocSize {
		pool.allocSize = n
		return old, true
	}
	return old, false
}

func (arena *Arena) movechunk(
	ptr unsafe.Pointer, old, n, align int64) unsafe.Pointer {

	newptr := arena.Allocalign(n, align)
	if old > n {
		old = n
	}
	lib.Memcpy(newptr, ptr, old)
	arena.Free(ptr)
	return newptr
}

// flush every cached free block list and the global recycler into the
// pool chains.
func (arena *Arena) clearcaches() {
	if arena.caches != nil {
		for _, tc := range arena.caches.all() {
			tc.mu.Lock()
			for pi := range tc.lists {
				if head := tc.lists[pi].detachall(); head != nil {
					merged := arena.mergebundles(pi, head)
					atomic.AddInt64(&arena.ncached, -merged*arena.slabs[pi])
				}
			}
			tc.ncached = 0
			tc.mu.Unlock()
		}
	}
	for pi := range arena.pools {
		for head := arena.recycler.pop(pi); head != nil; head = arena.recycler.pop(pi) {
			merged := arena.mergebundles(pi, head)
			atomic.AddInt64(&arena.ncached, -merged*arena.slabs[pi])
		}
	}
}
