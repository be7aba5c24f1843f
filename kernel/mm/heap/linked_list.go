package heap

import (
	"unsafe"

	"github.com/AarnavSrivastava/morb-os/kernel/mm"
)

const (
	// holeAlign is the alignment of every hole and every block handed out by
	// the fallback allocator.
	holeAlign = unsafe.Alignof(hole{})

	// minHoleSize is the smallest byte range that can hold a hole node.
	minHoleSize = unsafe.Sizeof(hole{})
)

// hole is the node stored in the first bytes of every free range managed by
// linkedListHeap.
type hole struct {
	size uintptr
	next uintptr
}

// holeAt returns the hole node stored at addr.
func holeAt(addr uintptr) *hole {
	return (*hole)(unsafe.Pointer(addr))
}

// linkedListHeap is a first-fit allocator over a list of free byte ranges
// (holes) kept in ascending address order. The list nodes live inside the
// holes themselves so the allocator needs no memory of its own.
type linkedListHeap struct {
	// head is the address of the lowest hole or 0 if the heap is full.
	head uintptr

	// coalesce enables merging of adjacent holes on deallocation.
	coalesce bool

	// inUse tracks the bytes currently handed out.
	inUse uintptr
}

// roundSize returns the number of bytes actually reserved for a request of
// size bytes. Every block must be able to hold a hole node once freed.
func roundSize(size uintptr) uintptr {
	if size < minHoleSize {
		size = minHoleSize
	}
	return mm.AlignUp(size, holeAlign)
}

// addRegion hands the byte range [start, start+size) to the allocator. The
// range must not overlap memory already managed by the heap.
func (h *linkedListHeap) addRegion(start, size uintptr) {
	alignedStart := mm.AlignUp(start, holeAlign)
	if size < alignedStart-start+minHoleSize {
		return
	}

	size = mm.AlignDown(size-(alignedStart-start), holeAlign)
	h.insertHole(alignedStart, size)
}

// allocateFirstFit returns the first block in address order that can hold
// size bytes at the requested alignment. Front padding left by the alignment
// becomes a new hole; a hole whose leftover tail would be too small to hold a
// node is not used.
func (h *linkedListHeap) allocateFirstFit(size, align uintptr) (uintptr, bool) {
	// Sizes within holeAlign of the address space limit wrap when rounded
	rounded := roundSize(size)
	if rounded < size {
		return 0, false
	}
	size = rounded

	if align < holeAlign {
		align = holeAlign
	}

	for prev, cur := uintptr(0), h.head; cur != 0; prev, cur = cur, holeAt(cur).next {
		curHole := holeAt(cur)
		holeEnd := cur + curHole.size

		allocStart := mm.AlignUp(cur, align)
		if allocStart != cur && allocStart-cur < minHoleSize {
			allocStart = mm.AlignUp(cur+minHoleSize, align)
		}

		allocEnd := allocStart + size
		if allocStart < cur || allocEnd < allocStart || allocEnd > holeEnd {
			continue
		}

		tail := holeEnd - allocEnd
		if tail != 0 && tail < minHoleSize {
			continue
		}

		// Rebuild the list segment as prev -> [front] -> [tail] -> next
		next := curHole.next
		if tail != 0 {
			tailHole := holeAt(allocEnd)
			tailHole.size, tailHole.next = tail, next
			next = allocEnd
		}

		if front := allocStart - cur; front != 0 {
			curHole.size, curHole.next = front, next
			next = cur
		}

		h.link(prev, next)
		h.inUse += size
		return allocStart, true
	}

	return 0, false
}

// deallocate returns a block obtained via allocateFirstFit with the same
// size argument.
func (h *linkedListHeap) deallocate(addr, size uintptr) {
	size = roundSize(size)
	h.inUse -= size
	h.insertHole(addr, size)
}

// insertHole links a hole for [addr, addr+size) at its sorted position,
// merging it with its neighbours when coalescing is enabled.
func (h *linkedListHeap) insertHole(addr, size uintptr) {
	prev, next := h.neighbours(addr)

	if h.coalesce && next != 0 && addr+size == next {
		size += holeAt(next).size
		next = holeAt(next).next
	}

	if h.coalesce && prev != 0 && prev+holeAt(prev).size == addr {
		prevHole := holeAt(prev)
		prevHole.size += size
		prevHole.next = next
		return
	}

	newHole := holeAt(addr)
	newHole.size, newHole.next = size, next
	h.link(prev, addr)
}

// neighbours returns the addresses of the holes immediately below and above
// addr. Either may be 0.
func (h *linkedListHeap) neighbours(addr uintptr) (uintptr, uintptr) {
	prev, cur := uintptr(0), h.head
	for cur != 0 && cur < addr {
		prev, cur = cur, holeAt(cur).next
	}
	return prev, cur
}

// link points prev (or the list head if prev is 0) at next.
func (h *linkedListHeap) link(prev, next uintptr) {
	if prev == 0 {
		h.head = next
		return
	}
	holeAt(prev).next = next
}

// overlapsHole returns true if [addr, addr+size) intersects any hole.
func (h *linkedListHeap) overlapsHole(addr, size uintptr) bool {
	for cur := h.head; cur != 0 && cur < addr+size; cur = holeAt(cur).next {
		if cur+holeAt(cur).size > addr {
			return true
		}
	}
	return false
}

// freeBytes returns the total size of all holes and their count.
func (h *linkedListHeap) freeBytes() (uintptr, int) {
	var (
		total uintptr
		count int
	)

	for cur := h.head; cur != 0; cur = holeAt(cur).next {
		total += holeAt(cur).size
		count++
	}
	return total, count
}
