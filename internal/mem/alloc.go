package mem

import (
	"math"
	"unsafe"
)

// AllocAligned allocates a zeroed byte slice of the given size whose first
// element sits on a multiple of alignment. alignment must be a power of two.
//
// It returns nil for size <= 0 or when size plus padding overflows.
func AllocAligned(size, alignment int) []byte {
	if size <= 0 || !IsPowerOfTwo(alignment) {
		return nil
	}
	if size > math.MaxInt-(alignment-1) {
		return nil
	}

	// The Go allocator only promises alignment by size class, so always
	// reserve room to shift the start.
	buf := make([]byte, size+alignment-1)
	off := Padding(uintptr(unsafe.Pointer(&buf[0])), alignment) //nolint:gosec // unsafe is required for memory alignment

	return buf[off : off+size : off+size]
}
