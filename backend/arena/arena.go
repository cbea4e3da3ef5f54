// Package arena adapts the internal mmap arena to backend.Backend.
//
// Blocks are carved from anonymous mappings with a bump pointer. Freed chunk
// space is only reclaimed by Reset, so the backend suits bursty workloads
// whose blocks die together. Requests larger than a chunk get a mapping of
// their own that Free returns to the OS.
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/JohnCGriffin/overflow"

	"github.com/hupe1980/cshim/backend"
	iarena "github.com/hupe1980/cshim/internal/arena"
	"github.com/hupe1980/cshim/internal/mem"
	"github.com/hupe1980/cshim/internal/mmap"
)

// Stats is a snapshot of the underlying arena counters.
type Stats = iarena.Stats

type options struct {
	chunkSize int
	acquirer  iarena.MemoryAcquirer
	pattern   mmap.AccessPattern
}

// Option configures a Backend.
type Option func(*options)

// WithChunkSize sets the size of shared chunks. It is rounded up to a power
// of two of at least one page.
func WithChunkSize(n int) Option {
	return func(o *options) {
		o.chunkSize = n
	}
}

// WithMemoryAcquirer charges every mapping against acquirer, typically a
// *resource.Controller. A refused charge surfaces as backend.ErrNoMemory.
func WithMemoryAcquirer(acquirer iarena.MemoryAcquirer) Option {
	return func(o *options) {
		o.acquirer = acquirer
	}
}

// WithAccessPattern advises the kernel about how chunks will be touched.
func WithAccessPattern(p mmap.AccessPattern) Option {
	return func(o *options) {
		o.pattern = p
	}
}

// Backend serves allocations from an arena. It is safe for concurrent use.
type Backend struct {
	a *iarena.Arena
}

// New maps the first chunk and returns the backend.
func New(opts ...Option) (*Backend, error) {
	o := options{
		chunkSize: iarena.DefaultChunkSize,
		pattern:   mmap.AccessDefault,
	}
	for _, fn := range opts {
		fn(&o)
	}

	aopts := []iarena.Option{iarena.WithAccessPattern(o.pattern)}
	if o.acquirer != nil {
		aopts = append(aopts, iarena.WithMemoryAcquirer(o.acquirer))
	}

	a, err := iarena.New(o.chunkSize, aopts...)
	if err != nil {
		return nil, translate(err)
	}
	return &Backend{a: a}, nil
}

// translate maps arena errors onto the backend error set.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, iarena.ErrClosed):
		return backend.ErrClosed
	case errors.Is(err, iarena.ErrInvalidPointer):
		return backend.ErrInvalidPointer
	case errors.Is(err, iarena.ErrInvalidAlignment):
		return backend.ErrInvalidArgument
	default:
		return fmt.Errorf("%w: %w", backend.ErrNoMemory, err)
	}
}

func (b *Backend) alloc(size, alignment int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, backend.ErrInvalidArgument
	}
	p, err := b.a.Alloc(size, alignment)
	return p, translate(err)
}

// Malloc implements backend.Backend.
func (b *Backend) Malloc(size int) (unsafe.Pointer, error) {
	return b.alloc(size, 0)
}

// Free implements backend.Backend.
func (b *Backend) Free(p unsafe.Pointer) error {
	return translate(b.a.Free(p))
}

// Calloc implements backend.Backend. Arena memory is always zero-filled.
func (b *Backend) Calloc(count, size int) (unsafe.Pointer, error) {
	total, ok := overflow.Mul(count, size)
	if !ok {
		return nil, backend.ErrInvalidArgument
	}
	return b.alloc(total, 0)
}

// Realloc implements backend.Backend.
func (b *Backend) Realloc(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	return b.AlignedRealloc(p, 0, size, -1, 0)
}

// AlignedAlloc implements backend.Backend.
func (b *Backend) AlignedAlloc(alignment, size int) (unsafe.Pointer, error) {
	if !mem.IsPowerOfTwo(alignment) {
		return nil, backend.ErrInvalidArgument
	}
	return b.alloc(size, alignment)
}

// AlignedCalloc implements backend.Backend.
func (b *Backend) AlignedCalloc(alignment, count, size int) (unsafe.Pointer, error) {
	total, ok := overflow.Mul(count, size)
	if !ok {
		return nil, backend.ErrInvalidArgument
	}
	return b.AlignedAlloc(alignment, total)
}

// AlignedRealloc implements backend.Backend. A negative oldSize means the
// block's recorded size is used. alignment 0 keeps the arena default.
func (b *Backend) AlignedRealloc(p unsafe.Pointer, alignment, size, oldSize int, flags backend.ReallocFlags) (unsafe.Pointer, error) {
	if alignment != 0 && !mem.IsPowerOfTwo(alignment) {
		return nil, backend.ErrInvalidArgument
	}
	if size < 0 {
		return nil, backend.ErrInvalidArgument
	}
	if p == nil {
		return b.alloc(size, alignment)
	}
	if size == 0 {
		return nil, b.Free(p)
	}

	if mem.IsAligned(p, alignment) {
		ok, err := b.a.Grow(p, size)
		if err != nil {
			return nil, translate(err)
		}
		if ok {
			return p, nil
		}
	}

	capSize, err := b.a.Size(p)
	if err != nil {
		return nil, translate(err)
	}
	if oldSize < 0 || oldSize > capSize {
		oldSize = capSize
	}

	return backend.Relocate(p, oldSize, size, flags,
		func() (unsafe.Pointer, error) { return b.alloc(size, alignment) },
		func(p unsafe.Pointer) { _ = b.a.Free(p) },
	)
}

// ZeroesMemory implements backend.Zeroer.
func (b *Backend) ZeroesMemory() bool { return true }

// UsableSize implements backend.UsableSizer. It returns 0 for pointers that
// are not live blocks.
func (b *Backend) UsableSize(p unsafe.Pointer) int {
	n, err := b.a.Size(p)
	if err != nil {
		return 0
	}
	return n
}

// Stats returns the arena counters.
func (b *Backend) Stats() Stats { return b.a.Stats() }

// Reset invalidates every block and recycles the first chunk.
func (b *Backend) Reset() { b.a.Reset() }

// Close unmaps all memory.
func (b *Backend) Close() error { return b.a.Close() }

func (b *Backend) String() string { return b.a.String() }

var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.Zeroer      = (*Backend)(nil)
	_ backend.UsableSizer = (*Backend)(nil)
)
