package heap

import (
	"unsafe"

	"github.com/AarnavSrivastava/morb-os/kernel"
	"github.com/AarnavSrivastava/morb-os/kernel/mm"
)

const (
	// maxSizeClasses bounds the size-class table.
	maxSizeClasses = 16

	// minClassSize is the smallest class able to hold a free-list node.
	minClassSize = unsafe.Sizeof(uintptr(0))
)

var (
	// DefaultSizeClasses is the size-class table used by the kernel heap.
	DefaultSizeClasses = []uintptr{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192}

	// errDefer is returned by sizeClassAllocator when the fallback heap
	// cannot supply a block to replenish an empty class.
	errDefer = &kernel.Error{Module: "heap", Message: "size class cannot be replenished"}

	errInvalidSizeClasses = &kernel.Error{Module: "heap", Message: "size classes must be 1-16 ascending powers of two >= 8"}
)

// sizeClassAllocator keeps one intrusive free list per size class. A free
// block stores the address of the next free block of the same class in its
// first word.
type sizeClassAllocator struct {
	classes    [maxSizeClasses]uintptr
	classCount int

	// heads holds the address of the first free block of each class or 0.
	heads [maxSizeClasses]uintptr
}

// setClasses validates and installs a size-class table. All free lists are
// reset.
func (a *sizeClassAllocator) setClasses(classes []uintptr) *kernel.Error {
	if len(classes) == 0 || len(classes) > maxSizeClasses {
		return errInvalidSizeClasses
	}

	for i, class := range classes {
		if !mm.IsPowerOfTwo(class) || class < minClassSize || (i > 0 && class <= classes[i-1]) {
			return errInvalidSizeClasses
		}
	}

	*a = sizeClassAllocator{classCount: len(classes)}
	copy(a.classes[:], classes)
	return nil
}

// largest returns the size of the largest class.
func (a *sizeClassAllocator) largest() uintptr {
	return a.classes[a.classCount-1]
}

// classFor returns the index of the smallest class that is at least
// max(size, align). It returns false if no class is large enough.
func (a *sizeClassAllocator) classFor(size, align uintptr) (int, bool) {
	if align > size {
		size = align
	}

	for i := 0; i < a.classCount; i++ {
		if a.classes[i] >= size {
			return i, true
		}
	}
	return -1, false
}

// allocate pops the head of the free list for class index. An empty list is
// refilled with a single class-sized, class-aligned block from the fallback
// heap; errDefer is returned if the fallback heap cannot supply one.
func (a *sizeClassAllocator) allocate(index int, fallback *linkedListHeap) (uintptr, *kernel.Error) {
	if head := a.heads[index]; head != 0 {
		a.heads[index] = *(*uintptr)(unsafe.Pointer(head))
		return head, nil
	}

	block, ok := fallback.allocateFirstFit(a.classes[index], a.classes[index])
	if !ok {
		return 0, errDefer
	}
	return block, nil
}

// deallocate pushes addr to the front of the free list for class index.
func (a *sizeClassAllocator) deallocate(index int, addr uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = a.heads[index]
	a.heads[index] = addr
}

// contains returns true if addr is already linked into the list for class
// index.
func (a *sizeClassAllocator) contains(index int, addr uintptr) bool {
	for cur := a.heads[index]; cur != 0; cur = nextBlock(cur) {
		if cur == addr {
			return true
		}
	}
	return false
}

// freeBlocks returns the length of the free list for class index.
func (a *sizeClassAllocator) freeBlocks(index int) uint64 {
	var count uint64
	for cur := a.heads[index]; cur != 0; cur = nextBlock(cur) {
		count++
	}
	return count
}

func nextBlock(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}
