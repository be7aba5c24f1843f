package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages required for storing a block of this size.
func (s Size) Pages() uint64 {
	return uint64(AlignUp(uintptr(s), PageSize) >> PageShift)
}

// AlignUp rounds addr up to the next multiple of align which must be a power
// of two.
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// AlignDown rounds addr down to a multiple of align which must be a power of
// two.
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}
