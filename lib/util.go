package lib

import "unsafe"

// Memcpy copy `ln` bytes from src to dst, memory areas shall
// not overlap.
func Memcpy(dst, src unsafe.Pointer, ln int64) int {
	return copy(
		unsafe.Slice((*byte)(dst), ln), unsafe.Slice((*byte)(src), ln))
}

// Memzero clear `ln` bytes starting at ptr.
func Memzero(ptr unsafe.Pointer, ln int64) {
	block := unsafe.Slice((*byte)(ptr), ln)
	for i := range block {
		block[i] = 0
	}
}

// Ispowerof2 check whether val is a power of 2.
func Ispowerof2(val int64) bool {
	return val > 0 && (val&(val-1)) == 0
}

// Roundup val to next multiple of unit, unit shall be a power of 2.
func Roundup(val, unit int64) int64 {
	return (val + unit - 1) &^ (unit - 1)
}
