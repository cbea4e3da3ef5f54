package cshim

import (
	"fmt"
	"unsafe"

	"github.com/hupe1980/cshim/internal/mem"
)

const (
	// PointerSize is the size of a machine pointer in bytes. Aligned requests
	// must use a multiple of it.
	PointerSize = mem.PointerSize

	// NaturalAlignment is the alignment of every non-nil handle returned by
	// Malloc, Calloc and Realloc.
	NaturalAlignment = mem.NaturalAlignment
)

// Handle refers to an allocated block. The zero value is the null handle.
//
// A handle is owned by the caller until it is passed to Free, or to a
// reallocation that succeeds; it must not be used afterwards.
type Handle struct {
	p unsafe.Pointer
}

// HandleOf wraps a pointer obtained from a backend or from C.
func HandleOf(p unsafe.Pointer) Handle { return Handle{p: p} }

// IsNil reports whether h is the null handle.
func (h Handle) IsNil() bool { return h.p == nil }

// Pointer returns the block address.
func (h Handle) Pointer() unsafe.Pointer { return h.p }

// Addr returns the block address as an integer.
func (h Handle) Addr() uintptr { return uintptr(h.p) }

// Bytes views the first n bytes of the block. The caller guarantees n does
// not exceed the size it requested.
func (h Handle) Bytes(n int) []byte {
	if h.p == nil || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(h.p), n)
}

// IsAligned reports whether the address is a multiple of alignment.
func (h Handle) IsAligned(alignment int) bool {
	return mem.IsAligned(h.p, alignment)
}

func (h Handle) String() string {
	if h.p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%#x", uintptr(h.p))
}

// Op names a facade operation.
type Op uint8

// Facade operations.
const (
	OpMalloc Op = iota
	OpFree
	OpCalloc
	OpRealloc
	OpAlignedAlloc
	OpPosixMemalign
	OpAlignedCalloc
	OpAlignedRealloc

	numOps
)

var opNames = [numOps]string{
	OpMalloc:         "malloc",
	OpFree:           "free",
	OpCalloc:         "calloc",
	OpRealloc:        "realloc",
	OpAlignedAlloc:   "aligned_alloc",
	OpPosixMemalign:  "posix_memalign",
	OpAlignedCalloc:  "aligned_calloc",
	OpAlignedRealloc: "aligned_realloc",
}

func (o Op) String() string {
	if o < numOps {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Ops lists every operation in declaration order.
func Ops() []Op {
	ops := make([]Op, numOps)
	for i := range ops {
		ops[i] = Op(i)
	}
	return ops
}

// MarshalText implements encoding.TextMarshaler.
func (o Op) MarshalText() ([]byte, error) {
	if o >= numOps {
		return nil, fmt.Errorf("cshim: unknown op %d", uint8(o))
	}
	return []byte(opNames[o]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Op) UnmarshalText(text []byte) error {
	for i, name := range opNames {
		if name == string(text) {
			*o = Op(i)
			return nil
		}
	}
	return fmt.Errorf("cshim: unknown op %q", text)
}
