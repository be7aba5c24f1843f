package heap

import (
	"testing"

	"github.com/AarnavSrivastava/morb-os/kernel"
	"github.com/AarnavSrivastava/morb-os/kernel/kfmt"
	"github.com/AarnavSrivastava/morb-os/kernel/mm"
	"github.com/AarnavSrivastava/morb-os/kernel/mm/vmm"
	"github.com/stretchr/testify/require"
)

// resetKernelHeap restores the kernel heap and its hooks once the test
// completes.
func resetKernelHeap(t *testing.T) {
	kernelHeap = Allocator{}
	t.Cleanup(func() {
		kernelHeap = Allocator{}
		mapFn = vmm.Map
		allocFrameFn = mm.AllocFrame
		panicFn = kfmt.Panic
	})
}

type mappedPage struct {
	page  mm.Page
	frame mm.Frame
	flags vmm.PageTableEntryFlag
}

func mockBootstrap(failAfter int) *[]mappedPage {
	var (
		mapped    []mappedPage
		nextFrame mm.Frame = 100
	)

	allocFrameFn = func() (mm.Frame, *kernel.Error) {
		if failAfter >= 0 && int(nextFrame-100) == failAfter {
			return mm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of frames"}
		}
		nextFrame++
		return nextFrame - 1, nil
	}

	mapFn = func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		mapped = append(mapped, mappedPage{page, frame, flags})
		return nil
	}

	return &mapped
}

func TestInit(t *testing.T) {
	resetKernelHeap(t)

	const heapSize = 100 * 1024
	heapStart := newRegion(t, heapSize)
	mapped := mockBootstrap(-1)

	require.Nil(t, Init(heapStart, heapSize))
	require.Len(t, *mapped, 25)

	for i, m := range *mapped {
		require.Equal(t, mm.PageFromAddress(heapStart)+mm.Page(i), m.page)
		require.Equal(t, mm.Frame(100+i), m.frame)
		require.Equal(t, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute, m.flags)
	}

	// the first allocation of the smallest class lands inside the heap
	addr := Alloc(8, 8)
	require.NotZero(t, addr)
	require.True(t, addr >= heapStart && addr+8 <= heapStart+heapSize)

	st := GetStats()
	require.Equal(t, heapStart, st.HeapStart)
	require.Equal(t, heapStart+heapSize, st.HeapEnd)
	require.Equal(t, len(DefaultSizeClasses), st.ClassCount)

	Free(addr, 8, 8)
	require.Equal(t, uint64(1), GetStats().Classes[0].FreeBlocks)

	// second call fails before touching the page tables
	*mapped = (*mapped)[:0]
	require.Same(t, errAlreadyInitialized, Init(heapStart, heapSize))
	require.Empty(t, *mapped)

	require.Same(t, &kernelHeap, Kernel())
}

func TestInitErrors(t *testing.T) {
	t.Run("invalid region", func(t *testing.T) {
		resetKernelHeap(t)
		mapped := mockBootstrap(-1)

		require.Same(t, errInvalidHeapRegion, Init(0x1001, 4096))
		require.Same(t, errInvalidHeapRegion, Init(0x1000, 0))
		require.Empty(t, *mapped)
	})

	t.Run("frame exhaustion", func(t *testing.T) {
		resetKernelHeap(t)
		mapped := mockBootstrap(3)

		err := Init(HeapStart, HeapSize)
		require.NotNil(t, err)
		require.Equal(t, "test", err.Module)
		require.Len(t, *mapped, 3)
		require.Zero(t, Alloc(8, 8))
	})

	t.Run("map failure", func(t *testing.T) {
		resetKernelHeap(t)
		mockBootstrap(-1)

		expErr := &kernel.Error{Module: "test", Message: "map failed"}
		mapFn = func(_ mm.Page, _ mm.Frame, _ vmm.PageTableEntryFlag) *kernel.Error {
			return expErr
		}

		require.Same(t, expErr, Init(HeapStart, HeapSize))
		_, allocErr := Kernel().Allocate(8, 8)
		require.Same(t, errNotInitialized, allocErr)
	})
}

func TestMustAlloc(t *testing.T) {
	resetKernelHeap(t)
	mockBootstrap(-1)

	heapStart := newRegion(t, 4096)
	require.Nil(t, Init(heapStart, 4096))

	var panicErr interface{}
	panicFn = func(e interface{}) { panicErr = e }

	addr := MustAlloc(64, 8)
	require.NotZero(t, addr)
	require.Nil(t, panicErr)

	require.Zero(t, MustAlloc(8192, 8))
	require.Same(t, ErrOutOfMemory, panicErr)

	require.Zero(t, Alloc(8, 3))
	Free(addr, 64, 8)
}

func TestKernelHeapInvariantChecks(t *testing.T) {
	resetKernelHeap(t)
	mockBootstrap(-1)

	heapStart := newRegion(t, 4096)
	require.Nil(t, Init(heapStart, 4096))
	SetInvariantChecks(true)

	addr := Alloc(16, 16)
	require.NotZero(t, addr)
	Free(addr, 16, 16)
	require.PanicsWithValue(t, errDoubleFree, func() { Free(addr, 16, 16) })
}
