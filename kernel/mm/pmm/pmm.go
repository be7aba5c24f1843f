// Package pmm implements the physical frame source used while the kernel
// bootstraps its memory subsystem.
package pmm

import (
	"github.com/AarnavSrivastava/morb-os/kernel"
	"github.com/AarnavSrivastava/morb-os/kernel/mm"
)

// bootMemAllocator is the frame source registered with mm by Init.
var bootMemAllocator BootMemAllocator

// Init sets up the boot memory allocator, prints the system memory map and
// registers the allocator as the kernel-wide frame source.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	bootMemAllocator.init(kernelStart, kernelEnd)
	bootMemAllocator.printMemoryMap()
	mm.SetFrameAllocator(earlyAllocFrame)

	return nil
}

// AllocatedFrames returns the number of frames handed out since Init.
func AllocatedFrames() uint64 {
	return bootMemAllocator.allocCount
}

func earlyAllocFrame() (mm.Frame, *kernel.Error) {
	return bootMemAllocator.AllocFrame()
}
