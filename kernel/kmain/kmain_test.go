package kmain

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"unsafe"

	"github.com/AarnavSrivastava/morb-os/kernel"
	"github.com/AarnavSrivastava/morb-os/kernel/cpu"
	"github.com/AarnavSrivastava/morb-os/kernel/kfmt"
	"github.com/AarnavSrivastava/morb-os/kernel/mm"
	"github.com/AarnavSrivastava/morb-os/kernel/mm/heap"
	"github.com/AarnavSrivastava/morb-os/kernel/mm/pmm"
	"github.com/AarnavSrivastava/morb-os/kernel/mm/vmm"
	"github.com/AarnavSrivastava/morb-os/kernel/sync"
	"github.com/AarnavSrivastava/morb-os/multiboot"
)

type fakeInterrupts struct{ enabled bool }

func (c *fakeInterrupts) InterruptsEnabled() bool { return c.enabled }
func (c *fakeInterrupts) DisableInterrupts()      { c.enabled = false }
func (c *fakeInterrupts) EnableInterrupts()       { c.enabled = true }

func TestMain(m *testing.M) {
	// the heap lock toggles the interrupt flag
	sync.SetInterruptController(&fakeInterrupts{enabled: true})
	os.Exit(m.Run())
}

func resetMocks() {
	activePDTFn = cpu.ActivePDT
	pmmInitFn = pmm.Init
	vmmInitFn = vmm.Init
	heapInitFn = heap.Init
	panicFn = kfmt.Panic
	handoffFn = idle
	haltFn = cpu.Halt
	kfmt.SetOutputSink(nil)
}

func TestKmain(t *testing.T) {
	defer resetMocks()

	info := multiboot.NewInfoBuilder().
		AddMemoryMap(multiboot.MemoryMapEntry{PhysAddress: 0x100000, Length: 0x100000, Type: multiboot.MemAvailable}).
		Bytes()
	infoPtr := uintptr(unsafe.Pointer(&info[0]))

	var (
		calls     []string
		panicErr  interface{}
		handedOff bool
	)

	activePDTFn = func() uintptr { return 0x1000 }
	vmmInitFn = func(physOffset uintptr, root mm.Frame) *kernel.Error {
		calls = append(calls, "vmm")
		if physOffset != 0xffff_8000_0000_0000 || root != mm.Frame(1) {
			t.Errorf("unexpected vmm.Init args: 0x%x, %d", physOffset, root)
		}
		return nil
	}
	heapInitFn = func(start, size uintptr) *kernel.Error {
		calls = append(calls, "heap")
		if start != heap.HeapStart || size != heap.HeapSize {
			t.Errorf("unexpected heap.Init args: 0x%x, %d", start, size)
		}
		return nil
	}
	pmmInitFn = func(kernelStart, kernelEnd uintptr) *kernel.Error {
		calls = append(calls, "pmm")
		if kernelStart != 0x100000 || kernelEnd != 0x180000 {
			t.Errorf("unexpected pmm.Init args: 0x%x, 0x%x", kernelStart, kernelEnd)
		}
		return nil
	}
	panicFn = func(e interface{}) { panicErr = e }
	handoffFn = func() { handedOff = true }

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	Kmain(infoPtr, 0x100000, 0x180000, 0xffff_8000_0000_0000)

	if exp := "pmm,vmm,heap"; strings.Join(calls, ",") != exp {
		t.Fatalf("expected init order %s; got %v", exp, calls)
	}

	if !handedOff {
		t.Fatal("expected Kmain to hand off after initializing the heap")
	}

	if panicErr != errKmainReturned {
		t.Fatalf("expected errKmainReturned; got %v", panicErr)
	}

	if !strings.Contains(buf.String(), "[kmain] memory available:") {
		t.Fatalf("expected memory report; got %q", buf.String())
	}

	if strings.Contains(buf.String(), "invariant checks enabled") {
		t.Fatal("expected heap invariant checks to remain disabled")
	}
}

func TestKmainHeapCheckFlag(t *testing.T) {
	defer resetMocks()
	defer heap.SetInvariantChecks(false)

	info := multiboot.NewInfoBuilder().AddCmdLine("heapcheck").Bytes()

	activePDTFn = func() uintptr { return 0 }
	pmmInitFn = func(_, _ uintptr) *kernel.Error { return nil }
	vmmInitFn = func(_ uintptr, _ mm.Frame) *kernel.Error { return nil }
	heapInitFn = func(_, _ uintptr) *kernel.Error { return nil }
	panicFn = func(_ interface{}) {}
	handoffFn = func() {}

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	Kmain(uintptr(unsafe.Pointer(&info[0])), 0, 0, 0)

	if !strings.Contains(buf.String(), "[kmain] heap invariant checks enabled") {
		t.Fatalf("expected heapcheck to be reported; got %q", buf.String())
	}
}

func TestKmainInitErrors(t *testing.T) {
	defer resetMocks()

	info := multiboot.NewInfoBuilder().Bytes()
	infoPtr := uintptr(unsafe.Pointer(&info[0]))

	var (
		pmmErr  = &kernel.Error{Module: "pmm", Message: "fail"}
		vmmErr  = &kernel.Error{Module: "vmm", Message: "fail"}
		heapErr = &kernel.Error{Module: "heap", Message: "fail"}
	)

	specs := []struct {
		pmmErr, vmmErr, heapErr *kernel.Error
		expErr                  *kernel.Error
	}{
		{pmmErr, nil, nil, pmmErr},
		{nil, vmmErr, nil, vmmErr},
		{nil, nil, heapErr, heapErr},
	}

	for specIndex, spec := range specs {
		var (
			panics    []interface{}
			handedOff bool
		)

		activePDTFn = func() uintptr { return 0 }
		pmmInitFn = func(_, _ uintptr) *kernel.Error { return spec.pmmErr }
		vmmInitFn = func(_ uintptr, _ mm.Frame) *kernel.Error { return spec.vmmErr }
		heapInitFn = func(_, _ uintptr) *kernel.Error { return spec.heapErr }
		panicFn = func(e interface{}) { panics = append(panics, e) }
		handoffFn = func() { handedOff = true }

		Kmain(infoPtr, 0, 0, 0)

		if len(panics) != 1 || panics[0] != spec.expErr {
			t.Errorf("[spec %d] expected a single panic with %v; got %v", specIndex, spec.expErr, panics)
		}

		if handedOff {
			t.Errorf("[spec %d] expected Kmain not to hand off after an init failure", specIndex)
		}
	}
}

func TestIdle(t *testing.T) {
	defer resetMocks()

	var halts int
	haltFn = func() {
		halts++
		if halts == 3 {
			panic("stop")
		}
	}

	func() {
		defer func() { _ = recover() }()
		idle()
	}()

	if halts != 3 {
		t.Fatalf("expected idle to keep halting; got %d halts", halts)
	}
}
