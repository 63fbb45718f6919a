package malloc

import "unsafe"

import "github.com/bnclabs/gobinned/api"
import "github.com/bnclabs/gobinned/lib"

// fixed bit partition of a page address: the low Pageshift bits drop,
// the next groupshift bits pick a poolInfo slot inside a group array,
// the rest is the group key hashed into a bucket head and kept whole
// as the collision tag.
const hashbuckets = 4096 // power of 2 collision chain heads
const groupshift = uint64(10)
const poolspergroup = int64(1) << groupshift

// poolHashBucket one entry in a circular collision chain, tagged with
// its group key and pointing to an OS-allocated array of poolInfo,
// one slot per page in the group.
type poolHashBucket struct {
	key       uintptr
	firstPool *poolInfo
	prev      *poolHashBucket
	next      *poolHashBucket
}

var bucketsize = int64(unsafe.Sizeof(poolHashBucket{}))

// poolHashTable address -> poolInfo lookup without per-allocation
// headers. Bucket nodes beyond the fixed heads are served from a free
// list carved out of one OS page at a time, poolInfo arrays come
// straight from the OS page allocator so metadata allocation never
// recurses into the small pool path.
type poolHashTable struct {
	buckets     []poolHashBucket
	freebuckets *poolHashBucket
	bucketpages []unsafe.Pointer // OS pages carved into bucket nodes
	overhead    int64            // bytes taken from OS for metadata
	vm          api.Pageallocer
}

func newpoolhashtable(vm api.Pageallocer) *poolHashTable {
	ht := &poolHashTable{
		buckets: make([]poolHashBucket, hashbuckets),
		vm:      vm,
	}
	for i := range ht.buckets {
		head := &ht.buckets[i]
		head.prev, head.next = head, head
	}
	return ht
}

func (ht *poolHashTable) groupkey(ptr unsafe.Pointer) (gkey, slot uintptr) {
	key := uintptr(ptr) >> Pageshift
	return key >> groupshift, key & uintptr(poolspergroup-1)
}

// getOrCreatePoolInfo return the poolInfo slot for ptr's page,
// asserting the requested canary transition. Allocates the bucket and
// its poolInfo array when the group is seen for the first time.
func (ht *poolHashTable) getOrCreatePoolInfo(ptr unsafe.Pointer, canary uint16) *poolInfo {
	gkey, slot := ht.groupkey(ptr)
	head := &ht.buckets[gkey&uintptr(hashbuckets-1)]
	if head.firstPool != nil {
		for b := head; ; {
			if b.key == gkey {
				pool := ht.poolat(b, slot)
				pool.setCanary(canary)
				return pool
			}
			if b = b.next; b == head {
				break
			}
		}
	}
	b := head
	if head.firstPool != nil { // collision, take a fresh bucket
		b = ht.takebucket()
		b.prev, b.next = head, head.next
		head.next.prev = b
		head.next = b
	}
	b.key = gkey
	b.firstPool = ht.newpoolarray()
	pool := ht.poolat(b, slot)
	pool.setCanary(canary)
	return pool
}

// findPoolInfo never allocates, nil when the page was never assigned.
// Callers treat nil as a double free or a foreign pointer.
func (ht *poolHashTable) findPoolInfo(ptr unsafe.Pointer) *poolInfo {
	gkey, slot := ht.groupkey(ptr)
	head := &ht.buckets[gkey&uintptr(hashbuckets-1)]
	if head.firstPool == nil {
		return nil
	}
	for b := head; ; {
		if b.key == gkey {
			if pool := ht.poolat(b, slot); pool.canary != poolUnassigned {
				return pool
			}
			return nil
		}
		if b = b.next; b == head {
			return nil
		}
	}
}

// foreach apply fn on every assigned poolInfo along with the base
// address of the page it describes.
func (ht *poolHashTable) foreach(fn func(base unsafe.Pointer, pool *poolInfo)) {
	for i := range ht.buckets {
		head := &ht.buckets[i]
		if head.firstPool == nil {
			continue
		}
		for b := head; ; {
			pools := unsafe.Slice(b.firstPool, poolspergroup)
			for slot := range pools {
				if pools[slot].canary == poolUnassigned {
					continue
				}
				addr := ((b.key << groupshift) | uintptr(slot)) << Pageshift
				fn(unsafe.Pointer(addr), &pools[slot])
			}
			if b = b.next; b == head {
				break
			}
		}
	}
}

// release every poolInfo array and carved bucket page back to the OS.
func (ht *poolHashTable) release() {
	arraybytes := lib.Roundup(poolspergroup*poolinfosize, ht.vm.Granularity())
	for i := range ht.buckets {
		head := &ht.buckets[i]
		for b := head; b.firstPool != nil; {
			ht.vm.Freepages(unsafe.Pointer(b.firstPool), arraybytes)
			b.firstPool = nil
			if b = b.next; b == head {
				break
			}
		}
		head.prev, head.next = head, head
	}
	for _, base := range ht.bucketpages {
		ht.vm.Freepages(base, ht.vm.Granularity())
	}
	ht.freebuckets, ht.bucketpages, ht.overhead = nil, nil, 0
}

//---- local functions

func (ht *poolHashTable) poolat(b *poolHashBucket, slot uintptr) *poolInfo {
	pools := unsafe.Slice(b.firstPool, poolspergroup)
	return &pools[slot]
}

func (ht *poolHashTable) newpoolarray() *poolInfo {
	arraybytes := lib.Roundup(poolspergroup*poolinfosize, ht.vm.Granularity())
	base := ht.vm.Allocpages(arraybytes)
	lib.Memzero(base, arraybytes) // cached spans are dirty
	ht.overhead += arraybytes
	return (*poolInfo)(base)
}

// bucket nodes beyond the embedded heads, carved from one OS page at
// a time and kept on a free list.
func (ht *poolHashTable) takebucket() *poolHashBucket {
	if ht.freebuckets == nil {
		base := ht.vm.Allocpages(ht.vm.Granularity())
		lib.Memzero(base, ht.vm.Granularity())
		ht.bucketpages = append(ht.bucketpages, base)
		ht.overhead += ht.vm.Granularity()
		nodes := unsafe.Slice((*poolHashBucket)(base), ht.vm.Granularity()/bucketsize)
		for i := range nodes {
			nodes[i].next = ht.freebuckets
			ht.freebuckets = &nodes[i]
		}
	}
	b := ht.freebuckets
	ht.freebuckets = b.next
	b.prev, b.next = nil, nil
	return b
}
