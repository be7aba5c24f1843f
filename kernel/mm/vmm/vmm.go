// Package vmm maps virtual pages to physical frames in the active address
// space.
package vmm

import (
	"github.com/AarnavSrivastava/morb-os/kernel"
	"github.com/AarnavSrivastava/morb-os/kernel/cpu"
	"github.com/AarnavSrivastava/morb-os/kernel/kfmt"
	"github.com/AarnavSrivastava/morb-os/kernel/mm"
)

var (
	// kernelMapper operates on the page tables that are active while the
	// kernel runs. It is only valid after a call to Init.
	kernelMapper Mapper
	initialized  bool

	errNotInitialized = &kernel.Error{Module: "vmm", Message: "mapper not initialized"}
)

// Init sets up the kernel mapper for the page table hierarchy rooted at
// rootFrame which must already be active. All physical memory must be
// accessible at physOffset.
func Init(physOffset uintptr, rootFrame mm.Frame) *kernel.Error {
	if !rootFrame.Valid() {
		return ErrInvalidMapping
	}

	kernelMapper = Mapper{physOffset: physOffset, root: rootFrame}
	initialized = true

	kfmt.Printf("[vmm] physical memory offset: 0x%16x, root table at 0x%x\n", kernelMapper.PhysOffset(), kernelMapper.Root().Address())
	return nil
}

// Map establishes a mapping between a virtual page and a physical frame using
// the kernel mapper.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if !initialized {
		return errNotInitialized
	}

	return kernelMapper.Map(page, frame, flags)
}

// Translate returns the physical address that corresponds to virtAddr in the
// kernel address space.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	if !initialized {
		return 0, errNotInitialized
	}

	return kernelMapper.Translate(virtAddr)
}

// SetTLBFlusher overrides the function invoked after a page mapping changes.
// Passing nil restores the invlpg based implementation.
func SetTLBFlusher(fn func(virtAddr uintptr)) {
	if fn == nil {
		fn = cpu.FlushTLBEntry
	}
	flushTLBEntryFn = fn
}
