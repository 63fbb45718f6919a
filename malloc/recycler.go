package malloc

import "sync/atomic"

// globalRecycler bounded per-slab cache of full bundles, the only
// path for cross-owner block reuse that takes no lock. Slots are
// mutated exclusively through compare-and-swap, a pushed bundle is
// never touched again by its former owner, and blocks riding a bundle
// keep their pool's taken count up so the backing page cannot be
// returned to the OS while any slot references it.
type globalRecycler struct {
	slots [][Recyclerslots]atomic.Pointer[bundleNode]
}

func newglobalrecycler(npools int) *globalRecycler {
	return &globalRecycler{
		slots: make([][Recyclerslots]atomic.Pointer[bundleNode], npools),
	}
}

// push a detached bundle, false when every slot for this slab is
// occupied and the bundle must merge into the pool chain instead.
func (gr *globalRecycler) push(pi int, head *bundleNode) bool {
	for i := 0; i < Recyclerslots; i++ {
		if gr.slots[pi][i].CompareAndSwap(nil, head) {
			return true
		}
	}
	return false
}

// pop any parked bundle for this slab, nil on a recycler miss.
func (gr *globalRecycler) pop(pi int) *bundleNode {
	for i := 0; i < Recyclerslots; i++ {
		if head := gr.slots[pi][i].Load(); head != nil {
			if gr.slots[pi][i].CompareAndSwap(head, nil) {
				return head
			}
		}
	}
	return nil
}
