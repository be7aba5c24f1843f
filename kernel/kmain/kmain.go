// Package kmain contains the kernel entry point invoked by the rt0 code.
package kmain

import (
	"github.com/AarnavSrivastava/morb-os/kernel"
	"github.com/AarnavSrivastava/morb-os/kernel/cpu"
	"github.com/AarnavSrivastava/morb-os/kernel/kfmt"
	"github.com/AarnavSrivastava/morb-os/kernel/mm"
	"github.com/AarnavSrivastava/morb-os/kernel/mm/heap"
	"github.com/AarnavSrivastava/morb-os/kernel/mm/pmm"
	"github.com/AarnavSrivastava/morb-os/kernel/mm/vmm"
	"github.com/AarnavSrivastava/morb-os/multiboot"
)

var (
	// The following functions are mocked by tests.
	activePDTFn = cpu.ActivePDT
	pmmInitFn   = pmm.Init
	vmmInitFn   = vmm.Init
	heapInitFn  = heap.Init
	panicFn     = kfmt.Panic
	handoffFn   = idle
	haltFn      = cpu.Halt

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code passes the address of the multiboot info
// payload provided by the bootloader, the physical addresses for the kernel
// start/end and the virtual address at which the bootloader mapped all of
// physical memory.
//
// Kmain brings up the memory subsystem via InitMemory. Any failure is fatal.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, physMemOffset uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	rootFrame := mm.FrameFromAddress(activePDTFn())
	if err := InitMemory(kernelStart, kernelEnd, physMemOffset, rootFrame, heap.HeapStart, heap.HeapSize); err != nil {
		panicFn(err)
		return
	}

	kfmt.Printf("[kmain] frames used: %d\n", pmm.AllocatedFrames())
	kfmt.Printf("[kmain] memory available: %d Kb\n", uint64(heap.GetStats().Available()/uintptr(mm.Kb)))

	handoffFn()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating it as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// InitMemory brings up the physical frame source, the mapper for the page
// tables rooted at rootFrame and the kernel heap in that order. The
// multiboot info pointer must already be set. The heapcheck command line
// flag enables the heap invariant checks.
func InitMemory(kernelStart, kernelEnd, physMemOffset uintptr, rootFrame mm.Frame, heapStart, heapSize uintptr) *kernel.Error {
	var err *kernel.Error
	if err = pmmInitFn(kernelStart, kernelEnd); err != nil {
		return err
	} else if err = vmmInitFn(physMemOffset, rootFrame); err != nil {
		return err
	} else if err = heapInitFn(heapStart, heapSize); err != nil {
		return err
	}

	if _, enabled := multiboot.CmdLineValue("heapcheck"); enabled {
		heap.SetInvariantChecks(true)
		kfmt.Printf("[kmain] heap invariant checks enabled\n")
	}

	return nil
}

// idle parks the CPU until the next interrupt forever.
func idle() {
	for {
		haltFn()
	}
}
