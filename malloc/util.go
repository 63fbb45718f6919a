package malloc

import "fmt"
import "unsafe"

// Slabsizes generate suitable slab sizes between minslab and maxslab,
// to achieve MEMUtilization. Sizes are strictly increasing multiples
// of Alignment.
func Slabsizes(minslab, maxslab int64) []int64 {
	if maxslab < minslab {
		panicerr("minslab %v > maxslab %v", minslab, maxslab)
	} else if (minslab % Alignment) != 0 {
		panicerr("minslab %v is not multiple of %v", minslab, Alignment)
	} else if (maxslab % Alignment) != 0 {
		panicerr("maxslab %v is not multiple of %v", maxslab, Alignment)
	} else if maxslab > (Pagesize / 8) {
		panicerr("maxslab %v exceeds %v", maxslab, Pagesize/8)
	}

	nextsize := func(from int64) int64 {
		addby := int64(float64(from) * (1.0 - MEMUtilization))
		if addby <= Alignment {
			addby = Alignment
		} else if (addby & (Alignment - 1)) != 0 {
			addby = (addby >> Alignshift) << Alignshift
		}
		return from + addby
	}

	sizes := make([]int64, 0, 128)
	for size := minslab; size < maxslab; size = nextsize(size) {
		sizes = append(sizes, size)
	}
	return append(sizes, maxslab)
}

// precomputed size -> pool index table, entry i covers sizes
// ((i-1)*Alignment, i*Alignment].
func mksizeindex(slabs []int64) []uint8 {
	maxslab := slabs[len(slabs)-1]
	table := make([]uint8, (maxslab>>Alignshift)+1)
	pi := 0
	for i := range table {
		size := int64(i) << Alignshift
		for slabs[pi] < size {
			pi++
		}
		table[i] = uint8(pi)
	}
	return table
}

func pagebase(ptr unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(ptr) &^ uintptr(Pagesize-1))
}

// OS allocations are page aligned, small blocks never are, block 0 of
// every small page stays with the page header.
func isosalloc(ptr unsafe.Pointer) bool {
	return (uintptr(ptr) & uintptr(Pagesize-1)) == 0
}

func panicerr(fmsg string, args ...interface{}) {
	panic(fmt.Errorf(fmsg, args...))
}
