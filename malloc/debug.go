//go:build debug

package malloc

import "unsafe"

// poison the whole block leaving the arena, stale metadata reads and
// use of uninitialized memory surface fast under this build.
func initblock(ptr unsafe.Pointer, slab int64) {
	block := unsafe.Slice((*byte)(ptr), slab)
	for i := range block {
		block[i] = 0xdb
	}
}
