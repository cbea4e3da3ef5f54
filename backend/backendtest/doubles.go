package backendtest

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/cshim/backend"
)

// Faulty wraps a backend and fails allocating calls on demand. Frees are
// always forwarded.
type Faulty struct {
	backend.Backend

	failing  atomic.Bool
	budgeted atomic.Bool
	budget   atomic.Int64 // successful allocations left before failing
	err      error
	mu       sync.Mutex
	calls    map[string]int
}

// NewFaulty wraps b. Failures report err, or backend.ErrNoMemory when err is nil.
func NewFaulty(b backend.Backend, err error) *Faulty {
	if err == nil {
		err = backend.ErrNoMemory
	}
	return &Faulty{Backend: b, err: err, calls: make(map[string]int)}
}

// SetFailing makes every allocating call fail (true) or pass through (false).
func (f *Faulty) SetFailing(v bool) { f.failing.Store(v) }

// FailAfter lets n more allocating calls succeed, then fails all others.
func (f *Faulty) FailAfter(n int) {
	f.budget.Store(int64(n))
	f.budgeted.Store(true)
}

// Calls returns how often op reached the wrapper.
func (f *Faulty) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (f *Faulty) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *Faulty) enter(op string) error {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()

	if f.failing.Load() {
		return f.err
	}
	if f.budgeted.Load() && f.budget.Add(-1) < 0 {
		return f.err
	}
	return nil
}

func (f *Faulty) Malloc(size int) (unsafe.Pointer, error) {
	if err := f.enter("malloc"); err != nil {
		return nil, err
	}
	return f.Backend.Malloc(size)
}

func (f *Faulty) Free(p unsafe.Pointer) error {
	f.mu.Lock()
	f.calls["free"]++
	f.mu.Unlock()
	return f.Backend.Free(p)
}

func (f *Faulty) Calloc(count, size int) (unsafe.Pointer, error) {
	if err := f.enter("calloc"); err != nil {
		return nil, err
	}
	return f.Backend.Calloc(count, size)
}

func (f *Faulty) Realloc(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	if err := f.enter("realloc"); err != nil {
		return nil, err
	}
	return f.Backend.Realloc(p, size)
}

func (f *Faulty) AlignedAlloc(alignment, size int) (unsafe.Pointer, error) {
	if err := f.enter("aligned_alloc"); err != nil {
		return nil, err
	}
	return f.Backend.AlignedAlloc(alignment, size)
}

func (f *Faulty) AlignedCalloc(alignment, count, size int) (unsafe.Pointer, error) {
	if err := f.enter("aligned_calloc"); err != nil {
		return nil, err
	}
	return f.Backend.AlignedCalloc(alignment, count, size)
}

func (f *Faulty) AlignedRealloc(p unsafe.Pointer, alignment, size, oldSize int, flags backend.ReallocFlags) (unsafe.Pointer, error) {
	if err := f.enter("aligned_realloc"); err != nil {
		return nil, err
	}
	return f.Backend.AlignedRealloc(p, alignment, size, oldSize, flags)
}

// ZeroesMemory forwards to the wrapped backend.
func (f *Faulty) ZeroesMemory() bool { return backend.Zeroes(f.Backend) }

// Unwrap returns the wrapped backend.
func (f *Faulty) Unwrap() backend.Backend { return f.Backend }

// Dirty wraps a backend and poisons every block it hands out, including the
// ones returned by Calloc, so callers relying on zeroing notice.
type Dirty struct {
	backend.Backend
	Poison byte
}

// NewDirty wraps b with the 0xA5 poison pattern.
func NewDirty(b backend.Backend) *Dirty {
	return &Dirty{Backend: b, Poison: 0xA5}
}

func (d *Dirty) poison(p unsafe.Pointer, n int, err error) (unsafe.Pointer, error) {
	if err == nil && p != nil {
		b := Bytes(p, n)
		for i := range b {
			b[i] = d.Poison
		}
	}
	return p, err
}

func (d *Dirty) Malloc(size int) (unsafe.Pointer, error) {
	p, err := d.Backend.Malloc(size)
	return d.poison(p, size, err)
}

func (d *Dirty) Calloc(count, size int) (unsafe.Pointer, error) {
	p, err := d.Backend.Calloc(count, size)
	return d.poison(p, count*size, err)
}

func (d *Dirty) AlignedAlloc(alignment, size int) (unsafe.Pointer, error) {
	p, err := d.Backend.AlignedAlloc(alignment, size)
	return d.poison(p, size, err)
}

func (d *Dirty) AlignedCalloc(alignment, count, size int) (unsafe.Pointer, error) {
	p, err := d.Backend.AlignedCalloc(alignment, count, size)
	return d.poison(p, count*size, err)
}

// ZeroesMemory reports false: Dirty never returns zeroed memory.
func (d *Dirty) ZeroesMemory() bool { return false }

// Unwrap returns the wrapped backend.
func (d *Dirty) Unwrap() backend.Backend { return d.Backend }

var (
	_ backend.Backend   = (*Faulty)(nil)
	_ backend.Backend   = (*Dirty)(nil)
	_ backend.Unwrapper = (*Faulty)(nil)
)
