//go:build !debug

package malloc

import "unsafe"

// scrub the canary word of a block leaving the arena, seeing the word
// intact again flags a double free.
func initblock(ptr unsafe.Pointer, slab int64) {
	*(*uint64)(ptr) = 0
}
