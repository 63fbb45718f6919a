package malloc

import "sync/atomic"

import humanize "github.com/dustin/go-humanize"

// Info implement api.Mallocer{} interface.
func (arena *Arena) Info() (capacity, heap, alloc, overhead int64) {
	arena.mu.Lock()
	overhead = arena.ht.overhead
	arena.mu.Unlock()
	heap = atomic.LoadInt64(&arena.heap)
	alloc = atomic.LoadInt64(&arena.allocated)
	return arena.capacity, heap, alloc, overhead
}

// Cached return bytes parked in cached free block lists and the
// global recycler, already accounted within heap but not alloc.
func (arena *Arena) Cached() int64 {
	return atomic.LoadInt64(&arena.ncached)
}

// Counts return the number of allocations and frees served so far.
func (arena *Arena) Counts() (nallocs, nfrees int64) {
	return atomic.LoadInt64(&arena.nallocs), atomic.LoadInt64(&arena.nfrees)
}

// Utilization implement api.Mallocer{} interface. For every slab with
// live pages, percentage of usable bytes taken by the application or
// parked in caches.
func (arena *Arena) Utilization() ([]int, []float64) {
	arena.mu.Lock()
	defer arena.mu.Unlock()

	ss, zs := make([]int, 0, len(arena.pools)), make([]float64, 0)
	for pi := range arena.pools {
		pt := &arena.pools[pi]
		if pt.npages == 0 {
			continue
		}
		usable := (Pagesize/pt.slab) - 1 // block 0 keeps the header
		taken := int64(0)
		for pool := pt.active.head; pool != nil; pool = pool.next {
			taken += int64(pool.taken)
		}
		for pool := pt.exhausted.head; pool != nil; pool = pool.next {
			taken += int64(pool.taken)
		}
		ss = append(ss, int(pt.slab))
		zs = append(zs, (float64(taken)/float64(pt.npages*usable))*100)
	}
	return ss, zs
}

// Log vital statistics of this arena.
func (arena *Arena) Log() {
	capacity, heap, alloc, overhead := arena.Info()
	reserved, oscached := arena.vm.Info()
	fmsg := "%v capacity: %v heap: %v alloc: %v overhead: %v\n"
	infof(
		fmsg, logprefix,
		humanize.Bytes(uint64(capacity)), humanize.Bytes(uint64(heap)),
		humanize.Bytes(uint64(alloc)), humanize.Bytes(uint64(overhead)),
	)
	fmsg = "%v cached: %v os reserved: %v os cached: %v\n"
	infof(
		fmsg, logprefix,
		humanize.Bytes(uint64(arena.Cached())),
		humanize.Bytes(uint64(reserved)), humanize.Bytes(uint64(oscached)),
	)
	fmsg = "%v sizes: %v samples, %v mean, %2.2f sd, %v min, %v max\n"
	infof(
		fmsg, logprefix, arena.reqsize.Samples(), arena.reqsize.Mean(),
		arena.reqsize.SD(), arena.reqsize.Min(), arena.reqsize.Max(),
	)
	sizes, zs := arena.Utilization()
	for i, size := range sizes {
		infof("%v slab %6v utilization: %2.2f%%\n", logprefix, size, zs[i])
	}
}
