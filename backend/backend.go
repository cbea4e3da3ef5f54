package backend

import (
	"errors"
	"unsafe"
)

var (
	// ErrNoMemory is returned when the backend cannot satisfy a request.
	ErrNoMemory = errors.New("backend: out of memory")
	// ErrInvalidPointer is returned when a pointer was not handed out by the
	// backend or was already released.
	ErrInvalidPointer = errors.New("backend: invalid pointer")
	// ErrInvalidArgument is returned for requests the backend cannot express,
	// such as an unsupported alignment.
	ErrInvalidArgument = errors.New("backend: invalid argument")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("backend: closed")
)

// ReallocFlags modify AlignedRealloc.
type ReallocFlags uint32

const (
	// NoPreserve allows the backend to discard the old contents.
	NoPreserve ReallocFlags = 1 << iota
	// GrowOrFail fails with ErrNoMemory instead of moving the block.
	GrowOrFail
)

// Has reports whether all bits of f2 are set.
func (f ReallocFlags) Has(f2 ReallocFlags) bool { return f&f2 == f2 }

// Backend is a general purpose allocator.
//
// Size 0 requests return (nil, nil) for every bundled backend. Realloc and
// AlignedRealloc with a nil pointer allocate; with size 0 they free p and
// return nil. On failure the original block of a reallocation stays valid.
type Backend interface {
	// Malloc returns a block of at least size bytes at natural alignment.
	Malloc(size int) (unsafe.Pointer, error)
	// Free releases p. Free(nil) is a no-op.
	Free(p unsafe.Pointer) error
	// Calloc returns count*size bytes; the facade has already checked the
	// product. Whether the block is zeroed is reported by Zeroer.
	Calloc(count, size int) (unsafe.Pointer, error)
	// Realloc resizes p to size bytes, preserving the common prefix.
	Realloc(p unsafe.Pointer, size int) (unsafe.Pointer, error)
	// AlignedAlloc returns a block whose address is a multiple of alignment.
	AlignedAlloc(alignment, size int) (unsafe.Pointer, error)
	// AlignedCalloc is the aligned variant of Calloc.
	AlignedCalloc(alignment, count, size int) (unsafe.Pointer, error)
	// AlignedRealloc resizes p to size bytes at alignment. oldSize is the
	// caller's record of p's size; min(oldSize, size) bytes are preserved
	// unless flags has NoPreserve.
	AlignedRealloc(p unsafe.Pointer, alignment, size, oldSize int, flags ReallocFlags) (unsafe.Pointer, error)
}

// Zeroer is implemented by backends whose Calloc and AlignedCalloc always
// return zero-filled memory.
type Zeroer interface {
	ZeroesMemory() bool
}

// UsableSizer is implemented by backends that can report the usable size of
// a live block.
type UsableSizer interface {
	UsableSize(p unsafe.Pointer) int
}

// Unwrapper is implemented by decorators.
type Unwrapper interface {
	Unwrap() Backend
}

// Zeroes reports whether b guarantees zeroed Calloc results.
func Zeroes(b Backend) bool {
	z, ok := b.(Zeroer)
	return ok && z.ZeroesMemory()
}

// Close releases b's resources if it implements io.Closer.
func Close(b Backend) error {
	if c, ok := b.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Relocate implements the moving path of a reallocation: it obtains a new
// block from alloc, copies min(oldSize, size) bytes from p unless flags has
// NoPreserve, and releases p through free. If alloc fails p is untouched.
// Callers validate p before relocating it.
func Relocate(p unsafe.Pointer, oldSize, size int, flags ReallocFlags,
	alloc func() (unsafe.Pointer, error), free func(unsafe.Pointer),
) (unsafe.Pointer, error) {
	if flags.Has(GrowOrFail) {
		return nil, ErrNoMemory
	}

	q, err := alloc()
	if err != nil {
		return nil, err
	}

	if n := min(oldSize, size); n > 0 && !flags.Has(NoPreserve) {
		copy(unsafe.Slice((*byte)(q), n), unsafe.Slice((*byte)(p), n))
	}

	free(p)
	return q, nil
}
