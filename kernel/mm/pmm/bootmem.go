package pmm

import (
	"github.com/AarnavSrivastava/morb-os/kernel"
	"github.com/AarnavSrivastava/morb-os/kernel/kfmt"
	"github.com/AarnavSrivastava/morb-os/kernel/mm"
	"github.com/AarnavSrivastava/morb-os/multiboot"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	// visitRegionsFn is used by tests to supply a memory map without
	// setting up a multiboot info block.
	visitRegionsFn = multiboot.VisitMemRegions
)

// BootMemAllocator hands out physical frames from the memory regions that the
// bootloader marks as available.
//
// The allocator keeps a cursor pointing at the next candidate frame and walks
// the memory map in the order reported by the bootloader. Frames overlapping
// the loaded kernel image are skipped. Frames can never be returned; once all
// available regions are consumed every subsequent call fails.
type BootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// nextFrame is the lowest frame that has not been considered yet.
	nextFrame mm.Frame

	// The kernel image location. Frames in [kernelStartFrame,
	// kernelEndFrame] are never handed out.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// init resets the allocator cursor and records the kernel image extents. A
// zero-sized image disables the exclusion.
func (alloc *BootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	alloc.allocCount = 0
	alloc.nextFrame = 0

	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame, alloc.kernelEndFrame = mm.InvalidFrame, mm.InvalidFrame
	if kernelEnd > kernelStart {
		alloc.kernelStartFrame = mm.FrameFromAddress(kernelStart)
		alloc.kernelEndFrame = mm.FrameFromAddress(mm.AlignUp(kernelEnd, mm.PageSize)) - 1
	}
}

// AllocFrame reserves the next available frame. It returns
// errBootAllocOutOfMemory once every available region has been consumed.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var found = mm.InvalidFrame

	visitRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		// Reported addresses may not be page-aligned; round the start up
		// and the end down so that only whole frames are used.
		regionStart := mm.AlignUp(uintptr(region.PhysAddress), mm.PageSize)
		regionEnd := mm.AlignDown(uintptr(region.PhysAddress+region.Length), mm.PageSize)
		if regionEnd <= regionStart {
			return true
		}

		startFrame := mm.FrameFromAddress(regionStart)
		endFrame := mm.FrameFromAddress(regionEnd) - 1

		candidate := alloc.nextFrame
		if candidate < startFrame {
			candidate = startFrame
		}

		if alloc.kernelStartFrame.Valid() && candidate >= alloc.kernelStartFrame && candidate <= alloc.kernelEndFrame {
			candidate = alloc.kernelEndFrame + 1
		}

		if candidate > endFrame {
			return true
		}

		found = candidate
		return false
	})

	if !found.Valid() {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	alloc.nextFrame = found + 1
	return found, nil
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *BootMemAllocator) printMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")

	var totalFree mm.Size
	visitRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})

	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	if alloc.kernelStartFrame.Valid() {
		kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x, reserved frames: %d\n",
			alloc.kernelStartAddr, alloc.kernelEndAddr,
			uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
		)
	}
}
