// Package limited provides a backend decorator that enforces a memory budget.
//
// Every request is charged against a resource.Controller before it reaches
// the wrapped backend. A request that would exceed the budget fails with an
// error matching both backend.ErrNoMemory and
// resource.ErrMemoryLimitExceeded; the wrapped backend is not called.
package limited

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/JohnCGriffin/overflow"

	"github.com/hupe1980/cshim/backend"
	"github.com/hupe1980/cshim/internal/resource"
)

// Backend charges allocations against a budget.
type Backend struct {
	b  backend.Backend
	rc *resource.Controller

	mu    sync.Mutex
	sizes map[uintptr]int64
}

// New wraps b. A nil controller only tracks usage.
func New(b backend.Backend, rc *resource.Controller) *Backend {
	if rc == nil {
		rc = resource.NewController(resource.Config{})
	}
	return &Backend{b: b, rc: rc, sizes: make(map[uintptr]int64)}
}

// Controller returns the budget the backend charges.
func (l *Backend) Controller() *resource.Controller { return l.rc }

func (l *Backend) acquire(n int64) error {
	if err := l.rc.AcquireMemory(n); err != nil {
		return fmt.Errorf("%w: %w", backend.ErrNoMemory, err)
	}
	return nil
}

func (l *Backend) record(p unsafe.Pointer, n int64) {
	if p == nil {
		l.rc.ReleaseMemory(n)
		return
	}
	l.mu.Lock()
	l.sizes[uintptr(p)] = n
	l.mu.Unlock()
}

func (l *Backend) forget(p unsafe.Pointer) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.sizes[uintptr(p)]
	if ok {
		delete(l.sizes, uintptr(p))
	}
	return n, ok
}

func (l *Backend) charged(n int, fn func() (unsafe.Pointer, error)) (unsafe.Pointer, error) {
	if n < 0 {
		return nil, backend.ErrInvalidArgument
	}
	if err := l.acquire(int64(n)); err != nil {
		return nil, err
	}
	p, err := fn()
	if err != nil {
		l.rc.ReleaseMemory(int64(n))
		return nil, err
	}
	l.record(p, int64(n))
	return p, nil
}

func (l *Backend) resize(p unsafe.Pointer, size int, fn func() (unsafe.Pointer, error)) (unsafe.Pointer, error) {
	if p == nil {
		return l.charged(size, fn)
	}
	if size < 0 {
		return nil, backend.ErrInvalidArgument
	}

	l.mu.Lock()
	old := l.sizes[uintptr(p)]
	l.mu.Unlock()

	delta := int64(size) - old
	if err := l.acquire(delta); err != nil {
		return nil, err
	}

	q, err := fn()
	if err != nil {
		l.rc.ReleaseMemory(delta)
		return nil, err
	}

	l.forget(p)
	if delta < 0 {
		l.rc.ReleaseMemory(-delta)
	}
	if q != nil {
		l.record(q, int64(size))
	}
	return q, nil
}

// Malloc implements backend.Backend.
func (l *Backend) Malloc(size int) (unsafe.Pointer, error) {
	return l.charged(size, func() (unsafe.Pointer, error) { return l.b.Malloc(size) })
}

// Free implements backend.Backend.
func (l *Backend) Free(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	if err := l.b.Free(p); err != nil {
		return err
	}
	if n, ok := l.forget(p); ok {
		l.rc.ReleaseMemory(n)
	}
	return nil
}

// Calloc implements backend.Backend.
func (l *Backend) Calloc(count, size int) (unsafe.Pointer, error) {
	total, ok := overflow.Mul(count, size)
	if !ok {
		return nil, backend.ErrInvalidArgument
	}
	return l.charged(total, func() (unsafe.Pointer, error) { return l.b.Calloc(count, size) })
}

// Realloc implements backend.Backend.
func (l *Backend) Realloc(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	return l.resize(p, size, func() (unsafe.Pointer, error) { return l.b.Realloc(p, size) })
}

// AlignedAlloc implements backend.Backend.
func (l *Backend) AlignedAlloc(alignment, size int) (unsafe.Pointer, error) {
	return l.charged(size, func() (unsafe.Pointer, error) { return l.b.AlignedAlloc(alignment, size) })
}

// AlignedCalloc implements backend.Backend.
func (l *Backend) AlignedCalloc(alignment, count, size int) (unsafe.Pointer, error) {
	total, ok := overflow.Mul(count, size)
	if !ok {
		return nil, backend.ErrInvalidArgument
	}
	return l.charged(total, func() (unsafe.Pointer, error) {
		return l.b.AlignedCalloc(alignment, count, size)
	})
}

// AlignedRealloc implements backend.Backend.
func (l *Backend) AlignedRealloc(p unsafe.Pointer, alignment, size, oldSize int, flags backend.ReallocFlags) (unsafe.Pointer, error) {
	return l.resize(p, size, func() (unsafe.Pointer, error) {
		return l.b.AlignedRealloc(p, alignment, size, oldSize, flags)
	})
}

// ZeroesMemory implements backend.Zeroer.
func (l *Backend) ZeroesMemory() bool { return backend.Zeroes(l.b) }

// UsableSize implements backend.UsableSizer.
func (l *Backend) UsableSize(p unsafe.Pointer) int {
	if us, ok := l.b.(backend.UsableSizer); ok {
		return us.UsableSize(p)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.sizes[uintptr(p)])
}

// Unwrap implements backend.Unwrapper.
func (l *Backend) Unwrap() backend.Backend { return l.b }

// Close closes the wrapped backend. Outstanding charges are dropped.
func (l *Backend) Close() error {
	l.mu.Lock()
	var n int64
	for _, sz := range l.sizes {
		n += sz
	}
	clear(l.sizes)
	l.mu.Unlock()

	l.rc.ReleaseMemory(n)
	return backend.Close(l.b)
}

var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.Zeroer      = (*Backend)(nil)
	_ backend.UsableSizer = (*Backend)(nil)
	_ backend.Unwrapper   = (*Backend)(nil)
)
