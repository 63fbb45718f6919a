package malloc

import "fmt"
import "math/rand"
import "sync"
import "sync/atomic"
import "testing"
import "unsafe"

type testalloc struct {
	n    byte
	size int64
	ptr  unsafe.Pointer
}

var ccallocated, ccfreed int64

func TestConcur(t *testing.T) {
	var awg, fwg sync.WaitGroup

	nroutines, repeat := 16, 100000
	if testing.Short() {
		repeat = 10000
	}

	chans := make([]chan testalloc, 0, nroutines)
	for n := 0; n < nroutines; n++ {
		chans = append(chans, make(chan testalloc, 1000))
	}

	marena := NewArena(testsettings(4 * 1024 * 1024 * 1024))
	awg.Add(nroutines)
	fwg.Add(nroutines)
	for n := 0; n < nroutines; n++ {
		go testallocator(marena, byte(n), repeat, chans, &awg)
		go testfree(marena, chans[n], &fwg)
	}

	awg.Wait()
	t.Logf("allocations are done\n")

	for _, ch := range chans {
		close(ch)
	}
	fwg.Wait()

	if ccallocated != ccfreed {
		t.Errorf("allocated %v, freed %v", ccallocated, ccfreed)
	}
	marena.Trim(true /*trimcaches*/)
	marena.Validate()
	_, heap, alloc, _ := marena.Info()
	if heap != 0 || alloc != 0 || marena.Cached() != 0 {
		t.Errorf("leak: heap %v alloc %v cached %v", heap, alloc, marena.Cached())
	}
	marena.Release()
}

func testallocator(
	arena *Arena, n byte, repeat int,
	chans []chan testalloc, wg *sync.WaitGroup) {

	defer wg.Done()

	slabs := arena.Slabs()
	for i := 0; i < repeat; i++ {
		size, expected := slabs[rand.Intn(len(slabs))], int64(0)
		if i%16 == 0 { // exercise the os sized path as well
			size = Maxslabsize + int64(rand.Intn(int(3*Pagesize))) + 1
			expected = ((size + Pagesize - 1) / Pagesize) * Pagesize
		} else {
			expected = size
		}
		ptr := arena.Alloc(size)

		if x := arena.Slabsize(ptr); x != expected {
			panic(fmt.Errorf("expected %v, got %v", expected, x))
		}

		block := unsafe.Slice((*byte)(ptr), size)
		for j := range block {
			block[j] = n
		}

		msg := testalloc{size: size, n: n, ptr: ptr}
		chans[rand.Intn(len(chans))] <- msg
		atomic.AddInt64(&ccallocated, size)
	}
}

func testfree(arena *Arena, ch chan testalloc, wg *sync.WaitGroup) {
	defer wg.Done()

	for msg := range ch {
		block := unsafe.Slice((*byte)(msg.ptr), msg.size)
		for _, c := range block {
			if c != msg.n {
				panic(fmt.Errorf("expected %v, got %v", msg.n, c))
			}
		}
		arena.Free(msg.ptr)
		atomic.AddInt64(&ccfreed, msg.size)
	}
}
