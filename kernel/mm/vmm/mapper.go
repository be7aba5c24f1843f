package vmm

import (
	"unsafe"

	"github.com/AarnavSrivastava/morb-os/kernel"
	"github.com/AarnavSrivastava/morb-os/kernel/cpu"
	"github.com/AarnavSrivastava/morb-os/kernel/mm"
)

var (
	// flushTLBEntryFn is replaced by tests and by the hosted simulator as
	// invlpg faults when executed in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// allocFrameFn supplies frames for missing page table levels.
	allocFrameFn = mm.AllocFrame

	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Mapper manipulates a 4-level page table hierarchy whose tables are reached
// by adding a fixed offset to their physical address. The bootloader maps all
// of physical memory at that offset so no recursive PDT entry is needed.
//
// A Mapper does not retain pointers into the tables across calls.
type Mapper struct {
	// physOffset is the virtual address at which physical address 0 is
	// mapped.
	physOffset uintptr

	// root is the frame holding the top level (P4) table.
	root mm.Frame
}

// NewMapper returns a Mapper for the page table hierarchy rooted at root.
func NewMapper(physOffset uintptr, root mm.Frame) *Mapper {
	return &Mapper{physOffset: physOffset, root: root}
}

// PhysOffset returns the virtual address at which physical memory is mapped.
func (m *Mapper) PhysOffset() uintptr { return m.physOffset }

// Root returns the frame of the top level page table.
func (m *Mapper) Root() mm.Frame { return m.root }

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false the walk stops; otherwise the walk
// follows the frame stored in the entry into the next level.
func (m *Mapper) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := m.physOffset + m.root.Address()
	for level := uint8(0); level < pageLevels; level++ {
		index := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := (*pageTableEntry)(unsafe.Pointer(tableAddr + (index << mm.PointerShift)))

		if !walkFn(level, pte) || level == pageLevels-1 {
			return
		}

		tableAddr = m.physOffset + pte.Frame().Address()
	}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated from the kernel frame
// source, zeroed and installed as present and writable. Frame exhaustion
// aborts the call and is returned to the caller.
//
// Mapping a page that is already mapped silently replaces the old entry.
func (m *Mapper) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagPresent | FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var tableFrame mm.Frame
			if tableFrame, err = allocFrameFn(); err != nil {
				return false
			}

			// Clear the new table before linking it so that a partial
			// walk never observes stale entries.
			kernel.Memset(m.physOffset+tableFrame.Address(), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Huge page mappings installed by
// the bootloader are resolved as well.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	m.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			physAddr, err = pte.Frame().Address()+PageOffset(virtAddr), nil
			return false
		}

		if pteLevel > 0 && pte.HasFlags(FlagHugePage) {
			pageMask := uintptr(1)<<pageLevelShifts[pteLevel] - 1
			physAddr, err = (pte.Frame().Address()&^pageMask)+(virtAddr&pageMask), nil
			return false
		}

		return true
	})

	return physAddr, err
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
