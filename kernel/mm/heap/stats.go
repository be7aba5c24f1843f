package heap

// ClassStats describes the free list of a single size class.
type ClassStats struct {
	// Size is the block size of the class.
	Size uintptr

	// FreeBlocks is the number of blocks waiting on the free list.
	FreeBlocks uint64
}

// Stats is a snapshot of the allocator state.
type Stats struct {
	HeapStart, HeapEnd uintptr

	// FallbackInUse is the number of bytes handed out by the fallback heap,
	// including blocks carved for the size classes.
	FallbackInUse uintptr

	// FreeBytes is the total size of all fallback holes and HoleCount their
	// number.
	FreeBytes uintptr
	HoleCount int

	Classes    [maxSizeClasses]ClassStats
	ClassCount int

	// Allocations and Deallocations count the successful calls to Allocate
	// and Deallocate.
	Allocations, Deallocations uint64
}

// Stats returns a snapshot of the allocator state.
func (a *Allocator) Stats() Stats {
	a.lock.Acquire()
	defer a.lock.Release()

	st := Stats{
		HeapStart:     a.start,
		HeapEnd:       a.end,
		FallbackInUse: a.fallback.inUse,
		ClassCount:    a.classes.classCount,
		Allocations:   a.allocCount,
		Deallocations: a.freeCount,
	}

	st.FreeBytes, st.HoleCount = a.fallback.freeBytes()
	for index := 0; index < a.classes.classCount; index++ {
		st.Classes[index] = ClassStats{
			Size:       a.classes.classes[index],
			FreeBlocks: a.classes.freeBlocks(index),
		}
	}

	return st
}

// Available returns the number of bytes that can still be handed out: the
// free fallback bytes plus the blocks waiting on the class free lists.
func (st Stats) Available() uintptr {
	avail := st.FreeBytes
	for index := 0; index < st.ClassCount; index++ {
		avail += st.Classes[index].Size * uintptr(st.Classes[index].FreeBlocks)
	}
	return avail
}
