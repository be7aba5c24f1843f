// Package heap implements the kernel's dynamic memory allocator: per size
// class free lists backed by a first-fit heap over a fixed virtual region.
package heap

import (
	"github.com/AarnavSrivastava/morb-os/kernel"
	"github.com/AarnavSrivastava/morb-os/kernel/kfmt"
	"github.com/AarnavSrivastava/morb-os/kernel/mm"
	"github.com/AarnavSrivastava/morb-os/kernel/mm/vmm"
)

const (
	// HeapStart is the virtual address of the kernel heap.
	HeapStart = uintptr(0x_4444_4444_0000)

	// HeapSize is the size of the kernel heap in bytes.
	HeapSize = uintptr(100 * mm.Kb)
)

var (
	// kernelHeap backs Alloc, Free and MustAlloc.
	kernelHeap Allocator

	// The following functions are mocked by tests.
	mapFn        = vmm.Map
	allocFrameFn = mm.AllocFrame
	panicFn      = kfmt.Panic
)

// Init backs [heapStart, heapStart+heapSize) with physical frames and turns it
// into the kernel heap. Each page is mapped present, writable and
// non-executable. Any failure leaves the heap unusable and is fatal for the
// kernel. Init may only be called once.
func Init(heapStart, heapSize uintptr) *kernel.Error {
	kernelHeap.lock.Acquire()
	defer kernelHeap.lock.Release()

	if kernelHeap.initialized {
		return errAlreadyInitialized
	}

	if heapSize == 0 || heapStart%mm.PageSize != 0 || heapStart+heapSize < heapStart {
		return errInvalidHeapRegion
	}

	pageCount := mm.Size(heapSize).Pages()
	startPage := mm.PageFromAddress(heapStart)
	for page := startPage; page < startPage+mm.Page(pageCount); page++ {
		frame, err := allocFrameFn()
		if err != nil {
			return err
		}

		if err = mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}
	}

	if err := kernelHeap.classes.setClasses(DefaultSizeClasses); err != nil {
		return err
	}

	kernelHeap.fallback.coalesce = true
	if err := kernelHeap.initRegionLocked(heapStart, heapSize); err != nil {
		return err
	}

	kfmt.Printf("[heap] mapped %d pages at 0x%x\n", pageCount, heapStart)
	return nil
}

// Kernel returns the allocator backing the kernel heap.
func Kernel() *Allocator {
	return &kernelHeap
}

// Alloc reserves size bytes from the kernel heap aligned to align. It returns
// 0 if the request cannot be satisfied.
func Alloc(size, align uintptr) uintptr {
	addr, err := kernelHeap.Allocate(size, align)
	if err != nil {
		return 0
	}
	return addr
}

// MustAlloc behaves like Alloc but triggers a kernel panic if the request
// cannot be satisfied.
func MustAlloc(size, align uintptr) uintptr {
	addr, err := kernelHeap.Allocate(size, align)
	if err != nil {
		panicFn(err)
		return 0
	}
	return addr
}

// Free returns a block obtained via Alloc or MustAlloc to the kernel heap.
func Free(addr, size, align uintptr) {
	kernelHeap.Deallocate(addr, size, align)
}

// SetInvariantChecks toggles the free list consistency checks of the kernel
// heap.
func SetInvariantChecks(enabled bool) {
	kernelHeap.SetInvariantChecks(enabled)
}

// GetStats returns a snapshot of the kernel heap state.
func GetStats() Stats {
	return kernelHeap.Stats()
}
