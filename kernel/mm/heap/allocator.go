package heap

import (
	"github.com/AarnavSrivastava/morb-os/kernel"
	"github.com/AarnavSrivastava/morb-os/kernel/mm"
	"github.com/AarnavSrivastava/morb-os/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when neither a size class nor the fallback
	// heap can satisfy an allocation.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	errNotInitialized     = &kernel.Error{Module: "heap", Message: "heap not initialized"}
	errAlreadyInitialized = &kernel.Error{Module: "heap", Message: "heap already initialized"}
	errInvalidHeapRegion  = &kernel.Error{Module: "heap", Message: "heap region must be page-aligned and non-empty"}
	errInvalidLayout      = &kernel.Error{Module: "heap", Message: "alignment must be a non-zero power of two"}
)

// Allocator routes allocation requests either to per-class free lists or to
// a first-fit fallback heap. Requests whose size and alignment fit a size
// class are always served from that class; the rest go to the fallback heap.
//
// All state is guarded by an IRQSpinlock so the allocator may be used from
// interrupt handlers. The zero value has no size classes; use NewAllocator.
type Allocator struct {
	lock sync.IRQSpinlock

	initialized bool
	checks      bool

	start, end uintptr

	classes  sizeClassAllocator
	fallback linkedListHeap

	allocCount, freeCount uint64
}

// NewAllocator returns an uninitialized allocator that uses the supplied
// size-class table. DefaultSizeClasses is used if no classes are given.
func NewAllocator(classes ...uintptr) (*Allocator, *kernel.Error) {
	if len(classes) == 0 {
		classes = DefaultSizeClasses
	}

	a := new(Allocator)
	if err := a.classes.setClasses(classes); err != nil {
		return nil, err
	}
	return a, nil
}

// InitRegion hands the already mapped range [start, start+size) to the
// fallback heap as a single hole. It may only be called once.
func (a *Allocator) InitRegion(start, size uintptr) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	return a.initRegionLocked(start, size)
}

func (a *Allocator) initRegionLocked(start, size uintptr) *kernel.Error {
	switch {
	case a.initialized:
		return errAlreadyInitialized
	case a.classes.classCount == 0:
		return errInvalidSizeClasses
	case size == 0 || start+size < start:
		return errInvalidHeapRegion
	}

	a.start, a.end = start, start+size
	a.fallback.addRegion(start, size)
	a.initialized = true
	return nil
}

// SetCoalescing controls whether adjacent free ranges of the fallback heap
// are merged when memory is returned to it.
func (a *Allocator) SetCoalescing(enabled bool) {
	a.lock.Acquire()
	a.fallback.coalesce = enabled
	a.lock.Release()
}

// Allocate reserves size bytes aligned to align, which must be a non-zero
// power of two. A zero size is treated as 1.
func (a *Allocator) Allocate(size, align uintptr) (uintptr, *kernel.Error) {
	if !mm.IsPowerOfTwo(align) {
		return 0, errInvalidLayout
	}

	if size == 0 {
		size = 1
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized {
		return 0, errNotInitialized
	}

	if a.checks {
		a.checkInvariants()
	}

	var (
		addr uintptr
		err  *kernel.Error
	)

	if index, ok := a.classes.classFor(size, align); ok {
		if addr, err = a.classes.allocate(index, &a.fallback); err == errDefer {
			// The block for a class request must stay class-sized so it
			// can be pushed back to the same list on deallocation.
			err = ErrOutOfMemory
		}
	} else if block, found := a.fallback.allocateFirstFit(size, align); found {
		addr = block
	} else {
		err = ErrOutOfMemory
	}

	if err != nil {
		return 0, err
	}

	a.allocCount++
	return addr, nil
}

// Deallocate returns a block obtained from Allocate. The size and align
// arguments must match the ones used for the allocation. Freeing address 0
// is a no-op.
func (a *Allocator) Deallocate(addr, size, align uintptr) {
	if addr == 0 {
		return
	}

	if size == 0 {
		size = 1
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized {
		panic(errNotInitialized)
	}

	index, useClass := a.classes.classFor(size, align)
	if a.checks {
		a.checkFree(addr, size, index, useClass)
	}

	if useClass {
		a.classes.deallocate(index, addr)
	} else {
		a.fallback.deallocate(addr, size)
	}

	a.freeCount++
}
