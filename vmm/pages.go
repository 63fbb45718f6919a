package vmm

import "fmt"
import "sync"
import "sync/atomic"
import "unsafe"

import s "github.com/bnclabs/gosettings"
import "github.com/bnclabs/gobinned/api"
import "github.com/bnclabs/gobinned/lib"
import "golang.org/x/sys/unix"

// Pages implement api.Pageallocer{} over anonymous mmap, with a
// bounded cache of released spans. Safe for concurrent use.
type Pages struct {
	// 64-bit aligned stats
	reserved int64 // bytes mapped from OS, includes cached spans
	cached   int64 // bytes parked in the span cache

	mu    sync.Mutex
	spans map[int64][]uintptr // span size -> parked base addresses

	// configuration
	granularity int64
	cachelimit  int64
}

var _ api.Pageallocer = (*Pages)(nil)

// New create a page allocator from settings, check Defaultsettings
// for the list of configurable parameters.
func New(setts s.Settings) *Pages {
	setts = make(s.Settings).Mixin(Defaultsettings(), setts)
	vm := &Pages{
		spans:       make(map[int64][]uintptr),
		granularity: setts.Int64("granularity"),
		cachelimit:  setts.Int64("cachelimit"),
	}
	if lib.Ispowerof2(vm.granularity) == false {
		panicerr("granularity %v is not a power of 2", vm.granularity)
	}
	return vm
}

// Granularity implement api.Pageallocer{} interface.
func (vm *Pages) Granularity() int64 {
	return vm.granularity
}

// Allocpages implement api.Pageallocer{} interface.
func (vm *Pages) Allocpages(n int64) unsafe.Pointer {
	if n <= 0 || (n%vm.granularity) != 0 {
		panicerr("allocpages size %v not a multiple of %v", n, vm.granularity)
	} else if n > Maxspansize {
		panicerr("allocpages size %v exceeds %v", n, Maxspansize)
	}
	vm.mu.Lock()
	if addrs := vm.spans[n]; len(addrs) > 0 {
		addr := addrs[len(addrs)-1]
		vm.spans[n] = addrs[:len(addrs)-1]
		atomic.AddInt64(&vm.cached, -n)
		vm.mu.Unlock()
		return unsafe.Pointer(addr)
	}
	vm.mu.Unlock()

	ptr := mmapaligned(n, vm.granularity)
	atomic.AddInt64(&vm.reserved, n)
	return ptr
}

// Freepages implement api.Pageallocer{} interface.
func (vm *Pages) Freepages(ptr unsafe.Pointer, n int64) {
	if ptr == nil {
		panicerr("freepages: nil pointer")
	} else if n <= 0 || (n%vm.granularity) != 0 {
		panicerr("freepages size %v not a multiple of %v", n, vm.granularity)
	}
	vm.mu.Lock()
	if atomic.LoadInt64(&vm.cached)+n <= vm.cachelimit {
		vm.spans[n] = append(vm.spans[n], uintptr(ptr))
		atomic.AddInt64(&vm.cached, n)
		vm.mu.Unlock()
		return
	}
	vm.mu.Unlock()

	munmapspan(uintptr(ptr), n)
	atomic.AddInt64(&vm.reserved, -n)
}

// Trim implement api.Pageallocer{} interface.
func (vm *Pages) Trim() int64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	released := int64(0)
	for size, addrs := range vm.spans {
		for _, addr := range addrs {
			munmapspan(addr, size)
			released += size
		}
		delete(vm.spans, size)
	}
	atomic.AddInt64(&vm.cached, -released)
	atomic.AddInt64(&vm.reserved, -released)
	return released
}

// Info implement api.Pageallocer{} interface.
func (vm *Pages) Info() (reserved, cached int64) {
	return atomic.LoadInt64(&vm.reserved), atomic.LoadInt64(&vm.cached)
}

// Release implement api.Pageallocer{} interface.
func (vm *Pages) Release() {
	vm.Trim()
}

//---- local functions

// reserve n bytes aligned to align, by over-mapping and unmapping the
// head and tail slack. mmap returns CPU-page aligned memory, so both
// slacks stay CPU-page multiples. Raw syscalls throughout, spans are
// unmapped piecemeal and unix.Munmap only accepts the exact slice its
// paired unix.Mmap returned.
func mmapaligned(n, align int64) unsafe.Pointer {
	prot := uintptr(unix.PROT_READ | unix.PROT_WRITE)
	flags := uintptr(unix.MAP_PRIVATE | unix.MAP_ANON)
	fd := ^uintptr(0) // -1 for anonymous mappings
	base, _, errno := unix.Syscall6(
		unix.SYS_MMAP, 0, uintptr(n+align), prot, flags, fd, 0)
	if errno != 0 {
		panicerr("mmap %v bytes: %v", n+align, errno)
	}
	aligned := (base + uintptr(align-1)) &^ uintptr(align-1)
	if head := int64(aligned - base); head > 0 {
		munmapspan(base, head)
	}
	if tail := align - int64(aligned-base); tail > 0 {
		munmapspan(aligned+uintptr(n), tail)
	}
	return unsafe.Pointer(aligned)
}

func munmapspan(addr uintptr, n int64) {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(n), 0)
	if errno != 0 {
		panicerr("munmap %v bytes at %x: %v", n, addr, errno)
	}
}

func panicerr(fmsg string, args ...interface{}) {
	panic(fmt.Errorf(fmsg, args...))
}
