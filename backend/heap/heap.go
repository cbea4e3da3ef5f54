// Package heap implements a backend.Backend on the Go heap.
//
// Blocks are ordinary Go byte slices pinned in a table keyed by address, so
// they stay reachable until freed and foreign or repeated frees are detected.
// Every block is at least NaturalAlignment aligned; blocks of a cache line or
// more start on a cache line boundary.
package heap

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/JohnCGriffin/overflow"

	"github.com/hupe1980/cshim/backend"
	"github.com/hupe1980/cshim/internal/mem"
)

// DefaultMaxAllocSize caps a single request: 32 GiB on 64-bit platforms,
// 1 GiB on 32-bit ones. Larger requests fail with backend.ErrNoMemory
// instead of aborting the Go runtime.
const DefaultMaxAllocSize = (1 << 30) << ((mem.PointerSize / 8) * 5)

type block struct {
	buf []byte // aligned window; keeps the backing array alive
}

// Stats is a snapshot of heap backend counters.
type Stats struct {
	Allocs     int64
	Frees      int64
	LiveBlocks int64
	LiveBytes  int64
	InPlace    int64 // reallocations that did not move
}

// Heap is a Go-heap backend.
type Heap struct {
	maxSize   int
	cacheLine int

	mu     sync.Mutex
	live   map[uintptr]block
	closed bool

	allocs  atomic.Int64
	frees   atomic.Int64
	bytes   atomic.Int64
	inPlace atomic.Int64
}

// Option configures a Heap.
type Option func(*Heap)

// WithMaxAllocSize sets the largest single request the heap accepts.
func WithMaxAllocSize(n int) Option {
	return func(h *Heap) {
		if n > 0 {
			h.maxSize = n
		}
	}
}

// WithCacheLineAlignment overrides the detected cache line size. Zero
// disables cache line alignment of large blocks.
func WithCacheLineAlignment(n int) Option {
	return func(h *Heap) {
		if n == 0 || mem.IsPowerOfTwo(n) {
			h.cacheLine = n
		}
	}
}

// New returns a Heap backend.
func New(opts ...Option) *Heap {
	h := &Heap{
		maxSize:   DefaultMaxAllocSize,
		cacheLine: mem.CacheLine(),
		live:      make(map[uintptr]block),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Heap) alloc(size, alignment int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, backend.ErrInvalidArgument
	}
	if size == 0 {
		return nil, nil
	}
	if size > h.maxSize {
		return nil, backend.ErrNoMemory
	}
	// An over-aligned request also pays for the padding that positions it.
	if alignment > mem.NaturalAlignment {
		if padded, ok := overflow.Add(size, alignment-1); !ok || padded > h.maxSize {
			return nil, backend.ErrNoMemory
		}
	}

	alignment = max(alignment, mem.NaturalAlignment)
	if h.cacheLine > 0 && size >= h.cacheLine {
		alignment = max(alignment, h.cacheLine)
	}

	buf := mem.AllocAligned(size, alignment)
	if buf == nil {
		return nil, backend.ErrNoMemory
	}
	p := unsafe.Pointer(&buf[0]) //nolint:gosec // handle to pinned block

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, backend.ErrClosed
	}
	h.live[uintptr(p)] = block{buf: buf}

	h.allocs.Add(1)
	h.bytes.Add(int64(size))
	return p, nil
}

func (h *Heap) lookup(p unsafe.Pointer) (block, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.live[uintptr(p)]
	return b, ok
}

func (h *Heap) release(p unsafe.Pointer) {
	_ = h.Free(p)
}

// Malloc implements backend.Backend.
func (h *Heap) Malloc(size int) (unsafe.Pointer, error) {
	return h.alloc(size, mem.NaturalAlignment)
}

// Free implements backend.Backend.
func (h *Heap) Free(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.live[uintptr(p)]
	if !ok {
		return backend.ErrInvalidPointer
	}
	delete(h.live, uintptr(p))

	h.frees.Add(1)
	h.bytes.Add(-int64(len(b.buf)))
	return nil
}

// Calloc implements backend.Backend. Go memory is always zeroed.
func (h *Heap) Calloc(count, size int) (unsafe.Pointer, error) {
	total, ok := overflow.Mul(count, size)
	if !ok || count < 0 || size < 0 {
		return nil, backend.ErrInvalidArgument
	}
	return h.alloc(total, mem.NaturalAlignment)
}

// Realloc implements backend.Backend.
func (h *Heap) Realloc(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	return h.AlignedRealloc(p, mem.NaturalAlignment, size, h.UsableSize(p), 0)
}

// AlignedAlloc implements backend.Backend.
func (h *Heap) AlignedAlloc(alignment, size int) (unsafe.Pointer, error) {
	if !mem.IsPowerOfTwo(alignment) {
		return nil, backend.ErrInvalidArgument
	}
	return h.alloc(size, alignment)
}

// AlignedCalloc implements backend.Backend.
func (h *Heap) AlignedCalloc(alignment, count, size int) (unsafe.Pointer, error) {
	total, ok := overflow.Mul(count, size)
	if !ok || count < 0 || size < 0 {
		return nil, backend.ErrInvalidArgument
	}
	return h.AlignedAlloc(alignment, total)
}

// AlignedRealloc implements backend.Backend.
func (h *Heap) AlignedRealloc(p unsafe.Pointer, alignment, size, oldSize int, flags backend.ReallocFlags) (unsafe.Pointer, error) {
	if !mem.IsPowerOfTwo(alignment) || size < 0 {
		return nil, backend.ErrInvalidArgument
	}
	if p == nil {
		return h.alloc(size, alignment)
	}
	if size == 0 {
		return nil, h.Free(p)
	}

	b, ok := h.lookup(p)
	if !ok {
		return nil, backend.ErrInvalidPointer
	}

	// Shrinking, or growing back into a previously shrunk block, stays put.
	if size <= len(b.buf) && mem.IsAligned(p, alignment) {
		h.inPlace.Add(1)
		return p, nil
	}

	return backend.Relocate(p, min(oldSize, len(b.buf)), size, flags,
		func() (unsafe.Pointer, error) { return h.alloc(size, alignment) },
		h.release,
	)
}

// ZeroesMemory implements backend.Zeroer.
func (h *Heap) ZeroesMemory() bool { return true }

// UsableSize implements backend.UsableSizer. It returns 0 for unknown pointers.
func (h *Heap) UsableSize(p unsafe.Pointer) int {
	b, ok := h.lookup(p)
	if !ok {
		return 0
	}
	return len(b.buf)
}

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	live := int64(len(h.live))
	h.mu.Unlock()

	return Stats{
		Allocs:     h.allocs.Load(),
		Frees:      h.frees.Load(),
		LiveBlocks: live,
		LiveBytes:  h.bytes.Load(),
		InPlace:    h.inPlace.Load(),
	}
}

// Close unpins every live block and rejects further allocations.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	clear(h.live)
	h.bytes.Store(0)
	return nil
}

var (
	_ backend.Backend     = (*Heap)(nil)
	_ backend.Zeroer      = (*Heap)(nil)
	_ backend.UsableSizer = (*Heap)(nil)
)
