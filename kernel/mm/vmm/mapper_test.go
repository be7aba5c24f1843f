package vmm

import (
	"testing"
	"unsafe"

	"github.com/AarnavSrivastava/morb-os/kernel"
	"github.com/AarnavSrivastava/morb-os/kernel/mm"
)

// physMem emulates a block of physical memory reachable at a fixed offset.
type physMem struct {
	buf        []byte
	physOffset uintptr
	frameCount int
	nextFrame  mm.Frame
	allocCount int
}

// newPhysMem returns a page-aligned block of frameCount frames. Frame 0 is
// reserved for the root table.
func newPhysMem(frameCount int) *physMem {
	buf := make([]byte, (frameCount+1)*int(mm.PageSize))
	return &physMem{
		buf:        buf,
		physOffset: mm.AlignUp(uintptr(unsafe.Pointer(&buf[0])), mm.PageSize),
		frameCount: frameCount,
		nextFrame:  1,
	}
}

func (pm *physMem) allocFrame() (mm.Frame, *kernel.Error) {
	if int(pm.nextFrame) >= pm.frameCount {
		return mm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of memory"}
	}

	// Dirty the frame so tests can verify that new tables get cleared
	kernel.Memset(pm.physOffset+pm.nextFrame.Address(), 0xAA, mm.PageSize)

	pm.allocCount++
	pm.nextFrame++
	return pm.nextFrame - 1, nil
}

func (pm *physMem) entry(frame mm.Frame, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(pm.physOffset + frame.Address() + (index << mm.PointerShift)))
}

func tableIndex(virtAddr uintptr, level int) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

func withMockedHooks(t *testing.T, pm *physMem) *[]uintptr {
	var flushed []uintptr

	origFlush, origAlloc := flushTLBEntryFn, allocFrameFn
	t.Cleanup(func() {
		flushTLBEntryFn, allocFrameFn = origFlush, origAlloc
	})

	flushTLBEntryFn = func(virtAddr uintptr) { flushed = append(flushed, virtAddr) }
	allocFrameFn = pm.allocFrame
	return &flushed
}

func TestMapperMap(t *testing.T) {
	pm := newPhysMem(16)
	flushed := withMockedHooks(t, pm)
	m := NewMapper(pm.physOffset, 0)

	if m.PhysOffset() != pm.physOffset || m.Root() != 0 {
		t.Fatal("expected accessors to return the values passed to NewMapper")
	}

	const heapStart = uintptr(0x4444_4444_0000)
	flags := FlagPresent | FlagRW | FlagNoExecute

	specs := []struct {
		page          mm.Page
		frame         mm.Frame
		expNewTables  int
		expPageOffset uintptr
	}{
		// first mapping needs P3, P2 and P1 tables
		{mm.PageFromAddress(heapStart), mm.Frame(0x123), 3, 0x10},
		// next page shares all tables
		{mm.PageFromAddress(heapStart) + 1, mm.Frame(0x124), 0, 0xfff},
		// crossing into the next P2 entry needs a new P1 table
		{mm.PageFromAddress(heapStart + 0x200000), mm.Frame(0x200), 1, 0},
		// a different P4 entry needs a full set of tables
		{mm.PageFromAddress(0xffff_8000_0000_0000), mm.Frame(0x300), 3, 0x800},
	}

	for specIndex, spec := range specs {
		allocBefore := pm.allocCount
		*flushed = (*flushed)[:0]

		if err := m.Map(spec.page, spec.frame, flags); err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if got := pm.allocCount - allocBefore; got != spec.expNewTables {
			t.Errorf("[spec %d] expected %d new tables; got %d", specIndex, spec.expNewTables, got)
		}

		if len(*flushed) != 1 || (*flushed)[0] != spec.page.Address() {
			t.Errorf("[spec %d] expected a single TLB flush for 0x%x; got %v", specIndex, spec.page.Address(), *flushed)
		}

		virtAddr := spec.page.Address() + spec.expPageOffset
		physAddr, err := m.Translate(virtAddr)
		if err != nil {
			t.Fatalf("[spec %d] unexpected translate error: %v", specIndex, err)
		}

		if exp := spec.frame.Address() + spec.expPageOffset; physAddr != exp {
			t.Errorf("[spec %d] expected 0x%x to translate to 0x%x; got 0x%x", specIndex, virtAddr, exp, physAddr)
		}

		// walk the tables by hand and check the installed flags
		table := m.Root()
		for level := 0; level < pageLevels; level++ {
			pte := pm.entry(table, tableIndex(virtAddr, level))
			if level == pageLevels-1 {
				if !pte.HasFlags(flags) || pte.Frame() != spec.frame {
					t.Errorf("[spec %d] unexpected leaf entry %x", specIndex, uintptr(*pte))
				}
				break
			}

			if !pte.HasFlags(FlagPresent|FlagRW) || pte.HasFlags(FlagNoExecute) || pte.HasFlags(FlagUserAccessible) {
				t.Errorf("[spec %d] unexpected flags for level %d entry %x", specIndex, level, uintptr(*pte))
			}
			table = pte.Frame()
		}
	}

	// Newly allocated tables must only contain the entries we installed
	for frame := mm.Frame(1); frame < pm.nextFrame; frame++ {
		var used int
		for index := uintptr(0); index < 512; index++ {
			if pte := pm.entry(frame, index); *pte != 0 {
				if !pte.HasFlags(FlagPresent) {
					t.Errorf("frame %d entry %d contains garbage: %x", frame, index, uintptr(*pte))
				}
				used++
			}
		}

		if used == 0 {
			t.Errorf("expected table in frame %d to contain at least one entry", frame)
		}
	}
}

func TestMapperMapErrors(t *testing.T) {
	t.Run("frame exhaustion", func(t *testing.T) {
		pm := newPhysMem(3)
		withMockedHooks(t, pm)
		m := NewMapper(pm.physOffset, 0)

		// only frames 1 and 2 are available; P1 cannot be allocated
		if err := m.Map(mm.Page(0x1000), mm.Frame(0x10), FlagPresent|FlagRW); err == nil || err.Module != "test" {
			t.Fatalf("expected frame allocation error to be propagated; got %v", err)
		}

		if _, err := m.Translate(0x1000 << mm.PageShift); err != ErrInvalidMapping {
			t.Fatalf("expected ErrInvalidMapping; got %v", err)
		}
	})

	t.Run("huge page", func(t *testing.T) {
		pm := newPhysMem(4)
		withMockedHooks(t, pm)
		m := NewMapper(pm.physOffset, 0)

		virtAddr := uintptr(0x4000_0000)
		if err := m.Map(mm.PageFromAddress(virtAddr), mm.Frame(0x10), FlagPresent|FlagRW); err != nil {
			t.Fatal(err)
		}

		// Replace the P2 entry covering virtAddr with a 2M page
		p3 := pm.entry(0, tableIndex(virtAddr, 0)).Frame()
		p2 := pm.entry(p3, tableIndex(virtAddr, 1)).Frame()
		pde := pm.entry(p2, tableIndex(virtAddr, 2))
		*pde = 0
		pde.SetFrame(mm.FrameFromAddress(0x20_0000))
		pde.SetFlags(FlagPresent | FlagRW | FlagHugePage)

		if err := m.Map(mm.PageFromAddress(virtAddr), mm.Frame(0x10), FlagPresent|FlagRW); err != errNoHugePageSupport {
			t.Fatalf("expected errNoHugePageSupport; got %v", err)
		}

		physAddr, err := m.Translate(virtAddr + 0x12345)
		if err != nil {
			t.Fatal(err)
		}

		if exp := uintptr(0x21_2345); physAddr != exp {
			t.Fatalf("expected huge page translation to return 0x%x; got 0x%x", exp, physAddr)
		}
	})
}

func TestMapperTranslateUnmapped(t *testing.T) {
	pm := newPhysMem(8)
	withMockedHooks(t, pm)
	m := NewMapper(pm.physOffset, 0)

	if err := m.Map(mm.Page(0x10), mm.Frame(0x20), FlagPresent); err != nil {
		t.Fatal(err)
	}

	for specIndex, virtAddr := range []uintptr{
		0x11 << mm.PageShift,         // same P1 table, missing leaf
		0x4000_0000,                  // same P3 table, missing P2
		0xffff_8000_0000_0000,        // missing P3
		(0x10 << mm.PageShift) - 0x1, // previous page
	} {
		if _, err := m.Translate(virtAddr); err != ErrInvalidMapping {
			t.Errorf("[spec %d] expected ErrInvalidMapping for 0x%x; got %v", specIndex, virtAddr, err)
		}
	}
}

func TestPageOffset(t *testing.T) {
	specs := []struct {
		input, exp uintptr
	}{
		{0, 0},
		{0x1fff, 0xfff},
		{0x4444_4444_0123, 0x123},
	}

	for specIndex, spec := range specs {
		if got := PageOffset(spec.input); got != spec.exp {
			t.Errorf("[spec %d] expected %x; got %x", specIndex, spec.exp, got)
		}
	}
}

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 21)
	)

	if pte.HasFlags(flag1) || pte.HasFlags(flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.SetFlags(flag1)

	if !pte.HasFlags(flag1) || pte.HasFlags(flag1|flag2) {
		t.Fatalf("expected HasFlags to match only flag1")
	}

	pte.SetFlags(flag2)

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       pageTableEntry
		physFrame = mm.Frame(123)
	)

	pte.SetFlags(FlagPresent | FlagNoExecute)
	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	if !pte.HasFlags(FlagPresent | FlagNoExecute) {
		t.Fatal("expected SetFrame to preserve the entry flags")
	}
}
