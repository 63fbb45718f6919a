package malloc

import "testing"
import "unsafe"
import "math/rand"

func testsettings(capacity int64) map[string]interface{} {
	setts := Defaultsettings()
	setts["capacity"] = capacity
	return setts
}

func TestNewarena(t *testing.T) {
	marena := NewArena(testsettings(10 * 1024 * 1024))
	if x := len(marena.slabs); x == 0 || int64(x) > Maxpools {
		t.Errorf("unexpected number of slabs %v", x)
	}
	if x := marena.slabs[len(marena.slabs)-1]; x != Maxslabsize {
		t.Errorf("expected %v, got %v", Maxslabsize, x)
	}
	if x, y := len(marena.slabs), len(marena.pools); x != y {
		t.Errorf("expected %v, got %v", x, y)
	}
	marena.Release()

	// panic case
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("expected panic")
			}
		}()
		NewArena(testsettings(Maxallocsize + 1))
	}()
}

func TestArenaAlloc(t *testing.T) {
	marena := NewArena(testsettings(10 * 1024 * 1024))
	defer marena.Release()

	slab := marena.slabs[marena.slabindex(1024)]
	ptrs := make(map[unsafe.Pointer]bool)
	for i := 0; i < 1024; i++ {
		ptr := marena.Alloc(1024)
		if ptr == nil {
			t.Fatalf("unexpected allocation failure")
		} else if ptrs[ptr] {
			t.Fatalf("%p handed out twice", ptr)
		} else if x := marena.Slabsize(ptr); x != slab {
			t.Fatalf("expected slabsize %v, got %v", slab, x)
		} else if x := marena.Chunklen(ptr); x != slab {
			t.Fatalf("expected chunklen %v, got %v", slab, x)
		}
		ptrs[ptr] = true
	}
	capacity, heap, alloc, overhead := marena.Info()
	if capacity != 10*1024*1024 {
		t.Errorf("unexpected capacity %v", capacity)
	} else if alloc != 1024*slab {
		t.Errorf("expected alloc %v, got %v", 1024*slab, alloc)
	} else if heap < alloc {
		t.Errorf("heap %v below alloc %v", heap, alloc)
	} else if overhead == 0 {
		t.Errorf("expected metadata overhead")
	}
	if nallocs, nfrees := marena.Counts(); nallocs != 1024 || nfrees != 0 {
		t.Errorf("unexpected counts %v %v", nallocs, nfrees)
	}

	if slabs, uzs := marena.Utilization(); len(slabs) != 1 {
		t.Errorf("unexpected %v", len(slabs))
	} else if int64(slabs[0]) != slab {
		t.Errorf("expected %v, got %v", slab, slabs[0])
	} else if uzs[0] <= 0 {
		t.Errorf("unexpected %v", uzs[0])
	}
	marena.Validate()

	// zero sized allocation gets a valid unique chunk.
	p1, p2 := marena.Alloc(0), marena.Alloc(0)
	if p1 == nil || p2 == nil || p1 == p2 {
		t.Errorf("unexpected chunks %p %p", p1, p2)
	}
	marena.Free(p1)
	marena.Free(p2)

	// panic cases
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("expected panic")
			}
		}()
		marena.Alloc(Maxallocsize + 1)
	}()
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("expected panic")
			}
		}()
		marena.Alloc(-1)
	}()
}

func TestArenaAllocalign(t *testing.T) {
	marena := NewArena(testsettings(100 * 1024 * 1024))
	defer marena.Release()

	for _, align := range []int64{16, 32, 64, 256, 4096, Pagesize} {
		for _, n := range []int64{1, 100, 1000, Maxslabsize, Maxslabsize + 1} {
			ptr := marena.Allocalign(n, align)
			if (uintptr(ptr) & uintptr(align-1)) != 0 {
				t.Fatalf("Allocalign(%v, %v) %p misaligned", n, align, ptr)
			} else if x := marena.Slabsize(ptr); x < n {
				t.Fatalf("Allocalign(%v, %v) slabsize %v", n, align, x)
			}
			marena.Free(ptr)
		}
	}
	// panic cases
	for _, align := range []int64{0, 3, Pagesize * 2} {
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("expected panic for align %v", align)
				}
			}()
			marena.Allocalign(100, align)
		}()
	}
}

func TestArenaLarge(t *testing.T) {
	marena := NewArena(testsettings(100 * 1024 * 1024))
	defer marena.Release()

	ptr := marena.Alloc(200 * 1000)
	if isosalloc(ptr) == false {
		t.Errorf("expected page aligned chunk %p", ptr)
	}
	rounded := ((200*1000 + Pagesize - 1) / Pagesize) * Pagesize
	if x := marena.Slabsize(ptr); x != rounded {
		t.Errorf("expected %v, got %v", rounded, x)
	} else if x := marena.Chunklen(ptr); x != 200*1000 {
		t.Errorf("expected %v, got %v", 200*1000, x)
	}
	_, heap, alloc, _ := marena.Info()
	if alloc != rounded || heap != rounded {
		t.Errorf("unexpected accounting %v %v", heap, alloc)
	}
	marena.Validate()

	marena.Free(ptr)
	if _, heap, alloc, _ = marena.Info(); heap != 0 || alloc != 0 {
		t.Errorf("unexpected accounting %v %v", heap, alloc)
	}

	// double free of a large chunk.
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("expected panic")
			}
		}()
		marena.Free(ptr)
	}()
}

func TestArenaFree(t *testing.T) {
	marena := NewArena(testsettings(1024 * 1024 * 1024))
	defer marena.Release()

	marena.Free(nil) // shall be a no-op

	ptrs := make([]unsafe.Pointer, 0, 10000)
	for i := 0; i < 10000; i++ {
		ptrs = append(ptrs, marena.Alloc(int64(rand.Intn(2*int(Maxslabsize)))+1))
	}
	for i := 0; i < len(ptrs); i += 2 {
		marena.Free(ptrs[i])
	}
	marena.Validate()
	for i := 1; i < len(ptrs); i += 2 {
		marena.Free(ptrs[i])
	}
	marena.Trim(true /*trimcaches*/)
	marena.Validate()

	_, heap, alloc, _ := marena.Info()
	if heap != 0 || alloc != 0 || marena.Cached() != 0 {
		t.Errorf("leak after freeing all: %v %v %v", heap, alloc, marena.Cached())
	}
	if nallocs, nfrees := marena.Counts(); nallocs != nfrees {
		t.Errorf("unexpected counts %v %v", nallocs, nfrees)
	}
}

func TestArenaDoublefree(t *testing.T) {
	marena := NewArena(testsettings(10 * 1024 * 1024))
	defer marena.Release()

	ptr := marena.Alloc(100)
	marena.Free(ptr)
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("expected panic")
			}
		}()
		marena.Free(ptr)
	}()
}

func TestArenaRealloc(t *testing.T) {
	marena := NewArena(testsettings(100 * 1024 * 1024))
	defer marena.Release()

	// nil pointer behaves as Alloc, zero size behaves as Free.
	ptr := marena.Realloc(nil, 100)
	if ptr == nil {
		t.Fatalf("unexpected nil chunk")
	}
	if x := marena.Realloc(ptr, 0); x != nil {
		t.Fatalf("expected nil, got %p", x)
	}

	// same slab resizes in place.
	ptr = marena.Alloc(100)
	slab := marena.Slabsize(ptr)
	if x := marena.Realloc(ptr, slab); x != ptr {
		t.Errorf("expected %p, got %p", ptr, x)
	}

	// growing moves the chunk and preserves content.
	block := unsafe.Slice((*byte)(ptr), 100)
	for i := range block {
		block[i] = 0xa5
	}
	newptr := marena.Realloc(ptr, 3*Maxslabsize)
	if newptr == ptr {
		t.Errorf("expected chunk to move")
	}
	block = unsafe.Slice((*byte)(newptr), 100)
	for i := range block {
		if block[i] != 0xa5 {
			t.Fatalf("content lost at %v", i)
		}
	}

	// large chunk resizing within its reserved span keeps the pointer.
	if x := marena.Realloc(newptr, 3*Maxslabsize-100); x != newptr {
		t.Errorf("expected %p, got %p", newptr, x)
	}
	// shrinking into slab range moves it back to a pool.
	ptr = marena.Realloc(newptr, 50)
	if isosalloc(ptr) {
		t.Errorf("expected pooled chunk, got %p", ptr)
	}
	block = unsafe.Slice((*byte)(ptr), 50)
	for i := range block {
		if block[i] != 0xa5 {
			t.Fatalf("content lost at %v", i)
		}
	}
	marena.Free(ptr)
	marena.Validate()
}

func TestArenaReallocalign(t *testing.T) {
	marena := NewArena(testsettings(100 * 1024 * 1024))
	defer marena.Release()

	// nil pointer behaves as Allocalign, zero size behaves as Free.
	ptr := marena.Reallocalign(nil, 100, 16)
	if ptr == nil {
		t.Fatalf("unexpected nil chunk")
	}
	if x := marena.Reallocalign(ptr, 0, 16); x != nil {
		t.Fatalf("expected nil, got %p", x)
	}

	// same slab with alignment intact resizes in place.
	ptr = marena.Allocalign(100, 16)
	slab := marena.Slabsize(ptr)
	if x := marena.Reallocalign(ptr, slab, 16); x != ptr {
		t.Errorf("expected %p, got %p", ptr, x)
	}

	// growing into the os sized path keeps the alignment.
	block := unsafe.Slice((*byte)(ptr), 100)
	for i := range block {
		block[i] = 0x5a
	}
	newptr := marena.Reallocalign(ptr, 3*Maxslabsize, 4096)
	if (uintptr(newptr) & 4095) != 0 {
		t.Errorf("chunk %p misaligned", newptr)
	}
	block = unsafe.Slice((*byte)(newptr), 100)
	for i := range block {
		if block[i] != 0x5a {
			t.Fatalf("content lost at %v", i)
		}
	}

	// shrinking back into slab range keeps the alignment.
	ptr = marena.Reallocalign(newptr, 200, 4096)
	if (uintptr(ptr) & 4095) != 0 {
		t.Errorf("chunk %p misaligned", ptr)
	}
	block = unsafe.Slice((*byte)(ptr), 200)
	for i := range block[:100] {
		if block[i] != 0x5a {
			t.Fatalf("content lost at %v", i)
		}
	}
	marena.Free(ptr)
	marena.Validate()

	// panic cases
	for _, align := range []int64{0, 3, Pagesize * 2} {
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("expected panic for align %v", align)
				}
			}()
			marena.Reallocalign(marena.Alloc(100), 200, align)
		}()
	}
}

func TestArenaFragmented(t *testing.T) {
	marena := NewArena(testsettings(64 * 1024 * 1024))
	defer marena.Release()

	ptrs := make([]unsafe.Pointer, 0, 100000)
	for i := 0; i < 100000; i++ {
		ptrs = append(ptrs, marena.Alloc(32))
	}
	for i := 0; i < len(ptrs); i += 2 {
		marena.Free(ptrs[i])
	}
	marena.Validate()

	// holes punched above shall satisfy further requests without
	// growing the heap.
	_, heap, _, _ := marena.Info()
	for i := 0; i < len(ptrs); i += 2 {
		ptrs[i] = marena.Alloc(32)
	}
	if _, x, _, _ := marena.Info(); x != heap {
		t.Errorf("expected heap %v, got %v", heap, x)
	}
	marena.Validate()

	for _, ptr := range ptrs {
		marena.Free(ptr)
	}
	marena.Trim(true /*trimcaches*/)
	_, heap, alloc, _ := marena.Info()
	if heap != 0 || alloc != 0 || marena.Cached() != 0 {
		t.Errorf("leak: heap %v alloc %v cached %v", heap, alloc, marena.Cached())
	}
	// trim is idempotent
	marena.Trim(true /*trimcaches*/)
	marena.Validate()
	if _, heap, _, _ := marena.Info(); heap != 0 {
		t.Errorf("unexpected heap %v", heap)
	}
}

func TestArenaOutofmemory(t *testing.T) {
	setts := testsettings(2 * Pagesize)
	marena := NewArena(setts)
	defer marena.Release()

	func() {
		defer func() {
			if r := recover(); r != ErrorOutofMemory {
				t.Errorf("expected %v, got %v", ErrorOutofMemory, r)
			}
		}()
		marena.Alloc(3 * Pagesize)
	}()
}

func TestArenaRecovered(t *testing.T) {
	// capacity below one page, the first pooled allocation panics
	// midway through the cached fast path.
	marena := NewArena(testsettings(Pagesize / 2))
	func() {
		defer func() {
			if r := recover(); r != ErrorOutofMemory {
				t.Errorf("expected %v, got %v", ErrorOutofMemory, r)
			}
		}()
		marena.Alloc(100)
	}()
	// the arena shall stay usable after the panic, no lock shall be
	// left behind.
	marena.Trim(true /*trimcaches*/)
	marena.Validate()
	marena.Release()
}

func TestArenaNocache(t *testing.T) {
	setts := testsettings(100 * 1024 * 1024)
	setts["tcache"] = false
	marena := NewArena(setts)
	defer marena.Release()

	ptrs := make([]unsafe.Pointer, 0, 10000)
	for i := 0; i < 10000; i++ {
		ptrs = append(ptrs, marena.Alloc(int64(rand.Intn(1024))+1))
	}
	marena.Validate()
	for _, ptr := range ptrs {
		marena.Free(ptr)
	}
	marena.Validate()
	if _, heap, alloc, _ := marena.Info(); heap != 0 || alloc != 0 {
		t.Errorf("leak without caches: %v %v", heap, alloc)
	}
}

func TestArenaReleased(t *testing.T) {
	marena := NewArena(testsettings(10 * 1024 * 1024))
	ptr := marena.Alloc(100) // released along with the arena
	_ = ptr
	marena.Release()
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("expected panic")
			}
		}()
		marena.Alloc(100)
	}()
}

func TestArenaLog(t *testing.T) {
	marena := NewArena(testsettings(10 * 1024 * 1024))
	defer marena.Release()
	for i := 0; i < 1000; i++ {
		marena.Alloc(int64(rand.Intn(1024)) + 1)
	}
	marena.Log()
}

func BenchmarkArenaAlloc(b *testing.B) {
	marena := NewArena(testsettings(1024 * 1024 * 1024))
	defer marena.Release()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		marena.Alloc(96)
	}
}

func BenchmarkArenaAllocfree(b *testing.B) {
	marena := NewArena(testsettings(1024 * 1024 * 1024))
	defer marena.Release()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		marena.Free(marena.Alloc(96))
	}
}

func BenchmarkArenaRealloc(b *testing.B) {
	marena := NewArena(testsettings(1024 * 1024 * 1024))
	defer marena.Release()
	ptr := marena.Alloc(96)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ptr = marena.Realloc(ptr, int64(96+(i&1)*1024))
	}
}

func BenchmarkArenaInfo(b *testing.B) {
	marena := NewArena(testsettings(10 * 1024 * 1024))
	defer marena.Release()
	for i := 0; i < 1024; i++ {
		marena.Alloc(int64(rand.Intn(1024)) + 1)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		marena.Info()
	}
}
