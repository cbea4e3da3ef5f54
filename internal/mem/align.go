package mem

import (
	"math"
	"unsafe"

	"github.com/klauspost/cpuid/v2"
)

const (
	// PointerSize is the size of a machine pointer in bytes.
	PointerSize = int(unsafe.Sizeof(uintptr(0)))

	// NaturalAlignment is the alignment guaranteed for plain allocations
	// (two pointer words, matching max_align_t on common ABIs).
	NaturalAlignment = 2 * PointerSize

	// DefaultCacheLine is used when the CPU does not report a cache line size.
	DefaultCacheLine = 64
)

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// ValidAlignment reports whether alignment is acceptable for the aligned
// allocation entry points.
func ValidAlignment(alignment int) bool {
	return IsPowerOfTwo(alignment) && alignment%PointerSize == 0
}

// AlignUp rounds n up to the next multiple of alignment, which must be a
// power of two. ok is false when the result does not fit in an int.
func AlignUp(n, alignment int) (int, bool) {
	mask := alignment - 1
	if n > math.MaxInt-mask {
		return 0, false
	}
	return (n + mask) &^ mask, true
}

// IsAligned reports whether p is a multiple of alignment.
func IsAligned(p unsafe.Pointer, alignment int) bool {
	if alignment <= 1 {
		return true
	}
	return uintptr(p)&uintptr(alignment-1) == 0
}

// Padding returns the number of bytes needed to move addr up to alignment.
func Padding(addr uintptr, alignment int) int {
	mask := uintptr(alignment - 1)
	return int((uintptr(alignment) - (addr & mask)) & mask)
}

// CacheLine returns the L1 data cache line size of the running CPU.
func CacheLine() int {
	if cl := cpuid.CPU.CacheLine; IsPowerOfTwo(cl) {
		return cl
	}
	return DefaultCacheLine
}
