package malloc

import "unsafe"

// canary words stamped at offset 0 of raw memory while a block sits
// on a pool free chain or rides a bundle. The word is scrubbed on
// allocation, seeing either of them again while freeing means a
// double free. The check is probabilistic, an application that writes
// one of these words into the first bytes of its own chunk trips it,
// a double free whose block was since reallocated escapes it. Debug
// builds poison whole blocks which keeps the collision deliberate.
const freeblockCanary = uint32(0xe3c49b17)
const bundleCanary = uint32(0xb7a2518e)

// freeBlock overlays the head of every free segment in a small pool
// page. Block 0 of the page holds the page header for the page's
// whole lifetime, so a freed pointer can recover its slab size and
// pool index without a hash lookup.
type freeBlock struct {
	canary        uint32
	blockSize     uint32
	poolIndex     uint32
	numFreeBlocks uint32
	nextFreeBlock *freeBlock
}

// write the page header into block 0 of a fresh page. The page's
// remaining blocks form one free segment allocated back to front.
func initpageheader(base unsafe.Pointer, slab int64, pi int) *freeBlock {
	hdr := (*freeBlock)(base)
	hdr.canary = freeblockCanary
	hdr.blockSize = uint32(slab)
	hdr.poolIndex = uint32(pi)
	hdr.numFreeBlocks = uint32(Pagesize/slab) - 1
	hdr.nextFreeBlock = nil
	return hdr
}

// overlay a single-block free segment on a block merged back into its
// pool's free chain.
func mkfreesegment(ptr unsafe.Pointer, hdr *freeBlock, next *freeBlock) *freeBlock {
	fb := (*freeBlock)(ptr)
	fb.canary = freeblockCanary
	fb.blockSize = hdr.blockSize
	fb.poolIndex = hdr.poolIndex
	fb.numFreeBlocks = 1
	fb.nextFreeBlock = next
	return fb
}

func pageheader(ptr unsafe.Pointer) *freeBlock {
	return (*freeBlock)(pagebase(ptr))
}

func (fb *freeBlock) checkcanary(ptr unsafe.Pointer) {
	if fb.canary != freeblockCanary {
		errorf("malloc: page header canary %x for %p\n", fb.canary, ptr)
		panicerr("pointer %p does not belong to this arena", ptr)
	}
}

// pop one block from this free segment, O(1). Segments are consumed
// back to front so the segment header survives until its last block,
// the page header additionally keeps block 0 to itself.
func (fb *freeBlock) allocblock() unsafe.Pointer {
	fb.numFreeBlocks--
	off := uintptr(fb.numFreeBlocks) * uintptr(fb.blockSize)
	if isosalloc(unsafe.Pointer(fb)) {
		off += uintptr(fb.blockSize)
	}
	return unsafe.Add(unsafe.Pointer(fb), off)
}

// bundleNode overlays a freed block riding a bundle. count is
// meaningful only on the head node of a detached bundle.
type bundleNode struct {
	canary                  uint32
	count                   uint32
	nextNodeInCurrentBundle *bundleNode
	nextBundle              *bundleNode
}

// bundle a chain of freed blocks moved as one unit between the cached
// free block lists, the global recycler and the pool free chains.
type bundle struct {
	firstNode *bundleNode
	count     int32
}

func (b *bundle) pushToFront(ptr unsafe.Pointer) {
	node := (*bundleNode)(ptr)
	node.canary = bundleCanary
	node.count = 0
	node.nextNodeInCurrentBundle = b.firstNode
	node.nextBundle = nil
	b.firstNode = node
	b.count++
}

func (b *bundle) popFromFront() unsafe.Pointer {
	node := b.firstNode
	b.firstNode = node.nextNodeInCurrentBundle
	b.count--
	return unsafe.Pointer(node)
}

// detach the chain, stamping the node count on the head so the next
// owner can account for it without walking.
func (b *bundle) detach() *bundleNode {
	head := b.firstNode
	if head != nil {
		head.count = uint32(b.count)
		head.nextBundle = nil
	}
	b.firstNode, b.count = nil, 0
	return head
}

// freeBlockList per slab size free blocks parked with a cache owner.
// The partial bundle is drained by Alloc and fed by Free, the full
// bundle holds the previous partial until the recycler takes it.
type freeBlockList struct {
	partial bundle
	full    bundle
}

// park a freed block, false when both bundles are full and the
// caller must recycle the full bundle first.
func (fbl *freeBlockList) push(ptr unsafe.Pointer, maxnodes int32) bool {
	if fbl.partial.count >= maxnodes {
		if fbl.full.firstNode != nil {
			return false
		}
		fbl.full, fbl.partial = fbl.partial, bundle{}
	}
	fbl.partial.pushToFront(ptr)
	return true
}

// take one parked block, nil when the list is empty.
func (fbl *freeBlockList) pop() unsafe.Pointer {
	if fbl.partial.firstNode == nil {
		if fbl.full.firstNode == nil {
			return nil
		}
		fbl.partial, fbl.full = fbl.full, bundle{}
	}
	return fbl.partial.popFromFront()
}

// detach the full bundle for the recycler.
func (fbl *freeBlockList) detachfull() *bundleNode {
	return fbl.full.detach()
}

// detach both bundles, chained via nextBundle, for a cache flush.
func (fbl *freeBlockList) detachall() *bundleNode {
	partial, full := fbl.partial.detach(), fbl.full.detach()
	if full != nil {
		full.nextBundle = partial
		return full
	}
	return partial
}

// adopt a bundle popped from the recycler as the new partial bundle.
func (fbl *freeBlockList) refill(head *bundleNode) {
	fbl.partial.firstNode = head
	fbl.partial.count = int32(head.count)
}
