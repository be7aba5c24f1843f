package heap

import "github.com/AarnavSrivastava/morb-os/kernel"

var (
	errHeapCorrupted = &kernel.Error{Module: "heap", Message: "heap free lists are corrupted"}
	errDoubleFree    = &kernel.Error{Module: "heap", Message: "block freed twice or freed with the wrong layout"}
)

// SetInvariantChecks enables consistency checks of all free lists before
// every allocation and validation of every deallocation. Violations panic
// with errHeapCorrupted or errDoubleFree. The checks are linear in the size of
// the free lists and are meant for debugging.
func (a *Allocator) SetInvariantChecks(enabled bool) {
	a.lock.Acquire()
	a.checks = enabled
	a.lock.Release()
}

// CheckInvariants runs the free list consistency checks once, regardless of
// SetInvariantChecks.
func (a *Allocator) CheckInvariants() {
	a.lock.Acquire()
	defer a.lock.Release()

	if a.initialized {
		a.checkInvariants()
	}
}

// checkInvariants panics if the hole list is not sorted, overlaps, leaves
// the heap or loops, or if any class list holds a misplaced block.
func (a *Allocator) checkInvariants() {
	maxHoles := (a.end-a.start)/minHoleSize + 1

	var (
		count   uintptr
		prevEnd = a.start
	)

	for cur := a.fallback.head; cur != 0; cur = holeAt(cur).next {
		size := holeAt(cur).size
		count++

		switch {
		case count > maxHoles,
			cur < prevEnd,
			cur%holeAlign != 0,
			size < minHoleSize,
			size%holeAlign != 0,
			cur+size < cur,
			cur+size > a.end:
			panic(errHeapCorrupted)
		}

		prevEnd = cur + size
	}

	for index := 0; index < a.classes.classCount; index++ {
		class := a.classes.classes[index]
		maxBlocks := (a.end-a.start)/class + 1

		count = 0
		for cur := a.classes.heads[index]; cur != 0; cur = nextBlock(cur) {
			count++

			if count > maxBlocks || !a.inHeap(cur, class) || cur%class != 0 || a.fallback.overlapsHole(cur, class) {
				panic(errHeapCorrupted)
			}
		}
	}
}

// checkFree validates a block that is about to be released.
func (a *Allocator) checkFree(addr, size uintptr, index int, useClass bool) {
	if useClass {
		class := a.classes.classes[index]
		if !a.inHeap(addr, class) || addr%class != 0 {
			panic(errHeapCorrupted)
		}

		if a.classes.contains(index, addr) || a.fallback.overlapsHole(addr, class) {
			panic(errDoubleFree)
		}
		return
	}

	size = roundSize(size)
	if !a.inHeap(addr, size) {
		panic(errHeapCorrupted)
	}

	if a.fallback.overlapsHole(addr, size) {
		panic(errDoubleFree)
	}
}

// inHeap returns true if [addr, addr+size) lies within the heap.
func (a *Allocator) inHeap(addr, size uintptr) bool {
	return addr >= a.start && addr+size >= addr && addr+size <= a.end
}
