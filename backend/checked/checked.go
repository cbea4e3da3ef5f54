// Package checked provides a backend decorator that tracks every live block
// and rejects frees of pointers it did not hand out.
//
// Each live block remembers the function and line that allocated it, so a
// test can name the source of a leak. Live addresses are kept in a roaring
// bitmap together with a second bitmap of released addresses, which lets the
// decorator tell a double free from a foreign pointer.
package checked

import (
	"fmt"
	"os"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/cshim/backend"
)

var (
	// ErrDoubleFree is returned when a released block is freed again.
	ErrDoubleFree = fmt.Errorf("%w: double free", backend.ErrInvalidPointer)
	// ErrForeignPointer is returned for pointers the backend never returned.
	ErrForeignPointer = fmt.Errorf("%w: foreign pointer", backend.ErrInvalidPointer)
)

// Frames skipped between the decorator and the caller recorded for a block.
// With a facade in between, 2 names the facade's caller.
const (
	defAllocFrames   = 2
	defReallocFrames = 2
)

// Use the environment variables CSHIM_CHECKED_ALLOC_FRAMES and
// CSHIM_CHECKED_REALLOC_FRAMES to change how far up the stack the allocating
// caller is looked for.
var allocFrames, reallocFrames = defAllocFrames, defReallocFrames

func init() {
	if val, ok := os.LookupEnv("CSHIM_CHECKED_ALLOC_FRAMES"); ok {
		if f, err := strconv.Atoi(val); err == nil {
			allocFrames = f
		}
	}

	if val, ok := os.LookupEnv("CSHIM_CHECKED_REALLOC_FRAMES"); ok {
		if f, err := strconv.Atoi(val); err == nil {
			reallocFrames = f
		}
	}
}

type dalloc struct {
	pc   uintptr
	line int
	sz   int
}

// caller records the frame skip levels above the exported method.
func caller(skip, size int) *dalloc {
	d := &dalloc{sz: size}
	if pc, _, l, ok := runtime.Caller(skip + 1); ok {
		d.pc, d.line = pc, l
	}
	return d
}

// Option configures a Backend.
type Option func(*Backend)

// WithFrames overrides the caller depth recorded for allocations and
// reallocations.
func WithFrames(alloc, realloc int) Option {
	return func(b *Backend) {
		b.allocFrames = alloc
		b.reallocFrames = realloc
	}
}

// Backend decorates another backend with ownership checks.
type Backend struct {
	b  backend.Backend
	sz atomic.Int64

	allocs sync.Map // uintptr -> *dalloc

	mu    sync.Mutex
	live  *roaring64.Bitmap
	freed *roaring64.Bitmap

	rejected atomic.Int64

	allocFrames, reallocFrames int
}

// New wraps b.
func New(b backend.Backend, opts ...Option) *Backend {
	c := &Backend{
		b:             b,
		live:          roaring64.New(),
		freed:         roaring64.New(),
		allocFrames:   allocFrames,
		reallocFrames: reallocFrames,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentAlloc returns the bytes requested by live blocks.
func (c *Backend) CurrentAlloc() int { return int(c.sz.Load()) }

// Live returns the number of live blocks.
func (c *Backend) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.live.GetCardinality()) //nolint:gosec // bounded by address space
}

// Rejected returns how many frees or reallocations were refused.
func (c *Backend) Rejected() int64 { return c.rejected.Load() }

func (c *Backend) track(p unsafe.Pointer, d *dalloc) {
	if p == nil {
		return
	}
	addr := uint64(uintptr(p))

	c.mu.Lock()
	c.live.Add(addr)
	c.freed.Remove(addr)
	c.mu.Unlock()

	c.allocs.Store(uintptr(p), d)
	c.sz.Add(int64(d.sz))
}

// claim removes p from the live set before it is handed back to the wrapped
// backend, so a concurrent allocation reusing the address is recorded after.
func (c *Backend) claim(p unsafe.Pointer) (*dalloc, error) {
	addr := uint64(uintptr(p))

	c.mu.Lock()
	if !c.live.CheckedRemove(addr) {
		double := c.freed.Contains(addr)
		c.mu.Unlock()

		c.rejected.Add(1)
		if double {
			return nil, fmt.Errorf("%w at %#x", ErrDoubleFree, addr)
		}
		return nil, fmt.Errorf("%w at %#x", ErrForeignPointer, addr)
	}
	c.freed.Add(addr)
	c.mu.Unlock()

	v, _ := c.allocs.LoadAndDelete(uintptr(p))
	d, _ := v.(*dalloc)
	if d == nil {
		d = &dalloc{}
	}
	return d, nil
}

// restore undoes claim after the wrapped backend refused the operation.
func (c *Backend) restore(p unsafe.Pointer, d *dalloc) {
	addr := uint64(uintptr(p))

	c.mu.Lock()
	c.live.Add(addr)
	c.freed.Remove(addr)
	c.mu.Unlock()

	c.allocs.Store(uintptr(p), d)
}

func (c *Backend) alloc(d *dalloc, fn func() (unsafe.Pointer, error)) (unsafe.Pointer, error) {
	p, err := fn()
	if err != nil {
		return nil, err
	}
	c.track(p, d)
	return p, nil
}

func (c *Backend) resize(p unsafe.Pointer, d *dalloc, fn func() (unsafe.Pointer, error)) (unsafe.Pointer, error) {
	if p == nil {
		return c.alloc(d, fn)
	}

	old, err := c.claim(p)
	if err != nil {
		return nil, err
	}

	q, err := fn()
	if err != nil {
		c.restore(p, old)
		return nil, err
	}

	c.sz.Add(-int64(old.sz))
	c.track(q, d)
	return q, nil
}

// Malloc implements backend.Backend.
func (c *Backend) Malloc(size int) (unsafe.Pointer, error) {
	d := caller(c.allocFrames, size)
	return c.alloc(d, func() (unsafe.Pointer, error) { return c.b.Malloc(size) })
}

// Free implements backend.Backend. Double and foreign frees are rejected
// without reaching the wrapped backend.
func (c *Backend) Free(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}

	d, err := c.claim(p)
	if err != nil {
		return err
	}
	if err := c.b.Free(p); err != nil {
		c.restore(p, d)
		return err
	}

	c.sz.Add(-int64(d.sz))
	return nil
}

// Calloc implements backend.Backend.
func (c *Backend) Calloc(count, size int) (unsafe.Pointer, error) {
	d := caller(c.allocFrames, count*size)
	return c.alloc(d, func() (unsafe.Pointer, error) { return c.b.Calloc(count, size) })
}

// Realloc implements backend.Backend.
func (c *Backend) Realloc(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	d := caller(c.reallocFrames, size)
	return c.resize(p, d, func() (unsafe.Pointer, error) { return c.b.Realloc(p, size) })
}

// AlignedAlloc implements backend.Backend.
func (c *Backend) AlignedAlloc(alignment, size int) (unsafe.Pointer, error) {
	d := caller(c.allocFrames, size)
	return c.alloc(d, func() (unsafe.Pointer, error) { return c.b.AlignedAlloc(alignment, size) })
}

// AlignedCalloc implements backend.Backend.
func (c *Backend) AlignedCalloc(alignment, count, size int) (unsafe.Pointer, error) {
	d := caller(c.allocFrames, count*size)
	return c.alloc(d, func() (unsafe.Pointer, error) { return c.b.AlignedCalloc(alignment, count, size) })
}

// AlignedRealloc implements backend.Backend.
func (c *Backend) AlignedRealloc(p unsafe.Pointer, alignment, size, oldSize int, flags backend.ReallocFlags) (unsafe.Pointer, error) {
	d := caller(c.reallocFrames, size)
	return c.resize(p, d, func() (unsafe.Pointer, error) {
		return c.b.AlignedRealloc(p, alignment, size, oldSize, flags)
	})
}

// ZeroesMemory implements backend.Zeroer.
func (c *Backend) ZeroesMemory() bool { return backend.Zeroes(c.b) }

// UsableSize implements backend.UsableSizer. It reports the wrapped
// backend's usable size when available and the requested size otherwise.
func (c *Backend) UsableSize(p unsafe.Pointer) int {
	v, ok := c.allocs.Load(uintptr(p))
	if !ok {
		return 0
	}
	if us, ok := c.b.(backend.UsableSizer); ok {
		return us.UsableSize(p)
	}
	return v.(*dalloc).sz
}

// Unwrap implements backend.Unwrapper.
func (c *Backend) Unwrap() backend.Backend { return c.b }

// Close closes the wrapped backend.
func (c *Backend) Close() error { return backend.Close(c.b) }

// Leak describes a block that is still live.
type Leak struct {
	Addr uintptr
	Size int
	Func string
	Line int
}

func (l Leak) String() string {
	return fmt.Sprintf("LEAK of %d bytes FROM %s line %d", l.Size, l.Func, l.Line)
}

// Leaks returns the live blocks ordered by address.
func (c *Backend) Leaks() []Leak {
	c.mu.Lock()
	addrs := c.live.ToArray()
	c.mu.Unlock()

	leaks := make([]Leak, 0, len(addrs))
	for _, addr := range addrs {
		v, ok := c.allocs.Load(uintptr(addr))
		if !ok {
			continue
		}
		d := v.(*dalloc)
		l := Leak{Addr: uintptr(addr), Size: d.sz, Line: d.line}
		if f := runtime.FuncForPC(d.pc); f != nil {
			l.Func = f.Name()
		}
		leaks = append(leaks, l)
	}
	slices.SortFunc(leaks, func(a, b Leak) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	return leaks
}

// TestingT is the subset of testing.TB used by the assertions.
type TestingT interface {
	Errorf(format string, args ...any)
	Helper()
}

// AssertSize fails t when the live byte count differs from sz, listing the
// live blocks and their allocation sites.
func (c *Backend) AssertSize(t TestingT, sz int) {
	t.Helper()

	got := c.CurrentAlloc()
	if got == sz {
		return
	}
	for _, l := range c.Leaks() {
		t.Errorf("%s\n", l)
	}
	t.Errorf("invalid memory size exp=%d, got=%d", sz, got)
}

// Scope captures the live byte count so a test can check that a region of
// code released everything it allocated.
type Scope struct {
	c  *Backend
	sz int
}

// NewScope starts a scope at the current live byte count.
func NewScope(c *Backend) *Scope {
	return &Scope{c: c, sz: c.CurrentAlloc()}
}

// CheckSize fails t if the live byte count changed since NewScope.
func (s *Scope) CheckSize(t TestingT) {
	if sz := s.c.CurrentAlloc(); s.sz != sz {
		t.Helper()
		t.Errorf("invalid memory size exp=%d, got=%d", s.sz, sz)
	}
}

var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.Zeroer      = (*Backend)(nil)
	_ backend.UsableSizer = (*Backend)(nil)
	_ backend.Unwrapper   = (*Backend)(nil)
)
