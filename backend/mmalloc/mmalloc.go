// Package mmalloc implements a backend.Backend on modernc.org/memory, an
// mmap-backed size-class allocator that keeps every block outside the Go
// heap. Pointers it returns may be handed to C code.
//
// Plain blocks are NaturalAlignment aligned. Stricter alignments are served
// by over-allocating and remembering the raw block for the aligned address.
//
// The allocator trusts its callers the way a C malloc does: freeing a pointer
// it did not return is undefined. Wrap it in checked.New to catch misuse.
package mmalloc

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/JohnCGriffin/overflow"
	"modernc.org/memory"

	"github.com/hupe1980/cshim/backend"
	"github.com/hupe1980/cshim/internal/mem"
)

// MaxAllocSize is the largest request forwarded to the underlying allocator.
const MaxAllocSize = math.MaxInt >> 2

// Stats is a snapshot of allocator counters.
type Stats struct {
	Allocs      int64
	Frees       int64
	LiveBytes   int64 // usable bytes of live blocks
	Overaligned int64 // live blocks served by over-allocation
	InPlace     int64 // reallocations that did not move
}

// Allocator is a modernc.org/memory backend. It is safe for concurrent use.
type Allocator struct {
	mu     sync.Mutex
	alloc  memory.Allocator
	raw    map[uintptr]unsafe.Pointer // aligned address -> raw block
	closed bool
	stats  Stats
}

// New returns an empty Allocator. Memory is mapped lazily.
func New() *Allocator {
	return &Allocator{raw: make(map[uintptr]unsafe.Pointer)}
}

func noMemory(err error) error {
	return fmt.Errorf("%w: %w", backend.ErrNoMemory, err)
}

func (a *Allocator) checkLocked(size int) error {
	if a.closed {
		return backend.ErrClosed
	}
	if size < 0 {
		return backend.ErrInvalidArgument
	}
	if size > MaxAllocSize {
		return backend.ErrNoMemory
	}
	return nil
}

func (a *Allocator) usableLocked(p unsafe.Pointer) int {
	if raw, ok := a.raw[uintptr(p)]; ok {
		return memory.UnsafeUsableSize(raw) - int(uintptr(p)-uintptr(raw))
	}
	return memory.UnsafeUsableSize(p)
}

func (a *Allocator) track(p unsafe.Pointer) {
	a.stats.Allocs++
	a.stats.LiveBytes += int64(a.usableLocked(p))
}

func (a *Allocator) mallocLocked(size int, zero bool) (unsafe.Pointer, error) {
	if err := a.checkLocked(size); err != nil || size == 0 {
		return nil, err
	}

	var (
		p   unsafe.Pointer
		err error
	)
	if zero {
		p, err = a.alloc.UnsafeCalloc(size)
	} else {
		p, err = a.alloc.UnsafeMalloc(size)
	}
	if err != nil {
		return nil, noMemory(err)
	}
	a.track(p)
	return p, nil
}

func (a *Allocator) alignedLocked(alignment, size int, zero bool) (unsafe.Pointer, error) {
	if !mem.IsPowerOfTwo(alignment) {
		return nil, backend.ErrInvalidArgument
	}
	if alignment <= mem.NaturalAlignment {
		return a.mallocLocked(size, zero)
	}
	if err := a.checkLocked(size); err != nil || size == 0 {
		return nil, err
	}

	total, ok := overflow.Add(size, alignment-1)
	if !ok || total > MaxAllocSize {
		return nil, backend.ErrNoMemory
	}

	raw, err := a.alloc.UnsafeMalloc(total)
	if err != nil {
		return nil, noMemory(err)
	}

	p := unsafe.Add(raw, mem.Padding(uintptr(raw), alignment))
	if p != raw {
		a.raw[uintptr(p)] = raw
		a.stats.Overaligned++
	}
	if zero {
		clear(unsafe.Slice((*byte)(p), size))
	}
	a.track(p)
	return p, nil
}

func (a *Allocator) freeLocked(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	if a.closed {
		return backend.ErrClosed
	}

	a.stats.Frees++
	a.stats.LiveBytes -= int64(a.usableLocked(p))

	if raw, ok := a.raw[uintptr(p)]; ok {
		delete(a.raw, uintptr(p))
		a.stats.Overaligned--
		p = raw
	}
	return a.alloc.UnsafeFree(p)
}

func (a *Allocator) release(p unsafe.Pointer) {
	_ = a.freeLocked(p)
}

// Malloc implements backend.Backend.
func (a *Allocator) Malloc(size int) (unsafe.Pointer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mallocLocked(size, false)
}

// Free implements backend.Backend.
func (a *Allocator) Free(p unsafe.Pointer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked(p)
}

// Calloc implements backend.Backend.
func (a *Allocator) Calloc(count, size int) (unsafe.Pointer, error) {
	total, ok := overflow.Mul(count, size)
	if !ok || count < 0 || size < 0 {
		return nil, backend.ErrInvalidArgument
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mallocLocked(total, true)
}

// Realloc implements backend.Backend.
func (a *Allocator) Realloc(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	return a.AlignedRealloc(p, mem.NaturalAlignment, size, math.MaxInt, 0)
}

// AlignedAlloc implements backend.Backend.
func (a *Allocator) AlignedAlloc(alignment, size int) (unsafe.Pointer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alignedLocked(alignment, size, false)
}

// AlignedCalloc implements backend.Backend.
func (a *Allocator) AlignedCalloc(alignment, count, size int) (unsafe.Pointer, error) {
	total, ok := overflow.Mul(count, size)
	if !ok || count < 0 || size < 0 {
		return nil, backend.ErrInvalidArgument
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alignedLocked(alignment, total, true)
}

// AlignedRealloc implements backend.Backend.
func (a *Allocator) AlignedRealloc(p unsafe.Pointer, alignment, size, oldSize int, flags backend.ReallocFlags) (unsafe.Pointer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p == nil {
		return a.alignedLocked(alignment, size, false)
	}
	if err := a.checkLocked(size); err != nil {
		return nil, err
	}
	if !mem.IsPowerOfTwo(alignment) {
		return nil, backend.ErrInvalidArgument
	}
	if size == 0 {
		return nil, a.freeLocked(p)
	}

	usable := a.usableLocked(p)
	if size <= usable && mem.IsAligned(p, alignment) {
		a.stats.InPlace++
		return p, nil
	}

	return backend.Relocate(p, min(oldSize, usable), size, flags,
		func() (unsafe.Pointer, error) { return a.alignedLocked(alignment, size, false) },
		a.release,
	)
}

// ZeroesMemory implements backend.Zeroer.
func (a *Allocator) ZeroesMemory() bool { return true }

// UsableSize implements backend.UsableSizer.
func (a *Allocator) UsableSize(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usableLocked(p)
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Close unmaps all memory. Every outstanding block becomes invalid.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	clear(a.raw)
	a.stats.LiveBytes = 0
	a.stats.Overaligned = 0
	return a.alloc.Close()
}

var (
	_ backend.Backend     = (*Allocator)(nil)
	_ backend.Zeroer      = (*Allocator)(nil)
	_ backend.UsableSizer = (*Allocator)(nil)
)
