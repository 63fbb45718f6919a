package malloc

import "errors"

import s "github.com/bnclabs/gosettings"
import "github.com/bnclabs/gobinned/vmm"
import "github.com/cloudfoundry/gosigar"

// Alignment minimum alignment of every allocated chunk, slab sizes
// are multiples of Alignment.
const Alignment = int64(16)

// Alignshift is log2(Alignment).
const Alignshift = uint64(4)

// Pagesize fixed size of a small pool page, also the granularity and
// alignment of OS allocations.
const Pagesize = int64(64 * 1024)

// Pageshift is log2(Pagesize).
const Pageshift = uint64(16)

// Minslabsize smallest slab in the arena, shall hold a free block
// header.
const Minslabsize = int64(32)

// Maxslabsize largest slab in the arena, requests bigger than this
// take the large allocation path.
const Maxslabsize = int64(8 * 1024)

// Maxallocsize limit on a single allocation request.
const Maxallocsize = int64(1024 * 1024 * 1024 * 1024) // 1TB

// Maxpools maximum number of slab sizes allowed in an arena.
const Maxpools = int64(256)

// MEMUtilization expected ratio between memory handed to application
// and memory reserved from OS, drives slab size generation.
const MEMUtilization = float64(0.95)

// Recyclerslots number of bundle slots per slab size in the lock-free
// global recycler.
const Recyclerslots = 16

// ErrorOutofMemory panic value when arena exceeds its configured
// capacity.
var ErrorOutofMemory = errors.New("binned.outofmemory")

// Defaultsettings for arena, with following keys:
//
// "capacity" (int64, default: free RAM)
//		Maximum memory, in bytes, that the arena will reserve from
//		the OS. Exceeding it panics with ErrorOutofMemory.
//
// "tcache" (bool, default: true)
//		Enable cached free block lists, the lock-free fast path.
//		When false every operation takes the arena mutex.
//
// "bundle.count" (int64, default: 64)
//		Maximum number of free blocks bundled together before the
//		bundle is handed to the global recycler.
//
// "bundle.size" (int64, default: 8192)
//		Maximum number of bytes a bundle may hold, caps bundle.count
//		for bigger slabs.
//
// "prefill" (int64, default: 8)
//		Extra blocks pulled into the caller's cache for each arena
//		mutex acquisition, amortizes future lock round trips.
//
// "vmm.granularity", "vmm.cachelimit"
//		Settings for the OS page allocator, check vmm.Defaultsettings.
//		granularity shall equal Pagesize.
func Defaultsettings() s.Settings {
	_, _, free := getsysmem()
	setts := s.Settings{
		"capacity":     int64(free),
		"tcache":       true,
		"bundle.count": int64(64),
		"bundle.size":  int64(8 * 1024),
		"prefill":      int64(8),
	}
	return setts.Mixin(vmm.Defaultsettings().AddPrefix("vmm."))
}

func getsysmem() (total, used, free uint64) {
	mem := sigar.Mem{}
	mem.Get()
	return mem.Total, mem.Used, mem.Free
}
