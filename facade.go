package cshim

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/JohnCGriffin/overflow"
	"golang.org/x/time/rate"

	"github.com/hupe1980/cshim/backend"
	"github.com/hupe1980/cshim/backend/heap"
	"github.com/hupe1980/cshim/internal/mem"
)

// Failure logs are throttled to a burst of logBurst per logInterval and kind.
const (
	logBurst    = 16
	logInterval = time.Second
)

// Facade implements the standard allocation family on top of a backend.
//
// It validates and normalizes arguments, forwards the call, and reports
// failures as *AllocError values carrying ENOMEM or EINVAL. A Facade holds no
// per-allocation state; it is safe for concurrent use when its backend is.
type Facade struct {
	b       backend.Backend
	zeroes  bool
	strict  bool
	logger  *Logger
	metrics MetricsCollector

	rejectLog rate.Sometimes
	oomLog    rate.Sometimes
	freeLog   rate.Sometimes
}

// New returns a facade over b. A nil backend selects a heap backend.
func New(b backend.Backend, optFns ...Option) *Facade {
	if b == nil {
		b = heap.New()
	}
	o := applyOptions(optFns)

	return &Facade{
		b:         b,
		zeroes:    backend.Zeroes(b),
		strict:    o.strictAligned,
		logger:    o.logger.WithBackend(fmt.Sprintf("%T", b)),
		metrics:   o.metricsCollector,
		rejectLog: rate.Sometimes{First: logBurst, Interval: logInterval},
		oomLog:    rate.Sometimes{First: logBurst, Interval: logInterval},
		freeLog:   rate.Sometimes{First: logBurst, Interval: logInterval},
	}
}

// Backend returns the backend the facade forwards to.
func (f *Facade) Backend() backend.Backend { return f.b }

// Close releases the backend. Every outstanding handle becomes invalid.
func (f *Facade) Close() error { return backend.Close(f.b) }

func (f *Facade) fail(op Op, size, alignment int, err error) error {
	return f.report(translateError(op, size, alignment, err))
}

// failCalloc reports a calloc style failure with both operands.
func (f *Facade) failCalloc(op Op, count, size, alignment int, err error) error {
	e := translateError(op, size, alignment, err)
	e.Count = count
	return f.report(e)
}

func (f *Facade) report(e *AllocError) error {
	op, size := e.Op, e.Size
	if e.Count != 0 {
		size, _ = overflow.Mul(e.Count, e.Size)
	}

	log := &f.oomLog
	if e.Errno == EINVAL {
		log = &f.rejectLog
	}
	log.Do(func() { f.logger.LogAllocFailure(e) })

	f.metrics.RecordAlloc(op, size, e)
	return e
}

func (f *Facade) done(op Op, size int, p unsafe.Pointer) (Handle, error) {
	f.metrics.RecordAlloc(op, size, nil)
	return Handle{p: p}, nil
}

func (f *Facade) release(op Op, h Handle) {
	err := f.b.Free(h.p)
	if err != nil {
		f.freeLog.Do(func() { f.logger.LogFreeFailure(op, h, err) })
	}
	f.metrics.RecordFree(err)
}

// zero clears n bytes at p unless the backend already guarantees it.
func (f *Facade) zero(p unsafe.Pointer, n int) {
	if f.zeroes || p == nil || n == 0 {
		return
	}
	clear(unsafe.Slice((*byte)(p), n))
}

// Malloc returns a block of at least size bytes at NaturalAlignment.
//
// A negative size fails with EINVAL. Size 0 is passed to the backend; every
// bundled backend answers it with the null handle and no error.
func (f *Facade) Malloc(size int) (Handle, error) {
	if size < 0 {
		return Handle{}, f.fail(OpMalloc, size, 0, EINVAL)
	}

	p, err := f.b.Malloc(size)
	if err != nil {
		return Handle{}, f.fail(OpMalloc, size, 0, err)
	}
	return f.done(OpMalloc, size, p)
}

// Free releases h. Freeing the null handle does nothing. Misuse detected by
// the backend is logged and counted; Free itself never fails.
func (f *Facade) Free(h Handle) {
	if h.p == nil {
		return
	}
	f.release(OpFree, h)
}

// Calloc returns a zero-filled block for count elements of size bytes.
// Negative arguments or an overflowing product fail with EINVAL before the
// backend is consulted.
func (f *Facade) Calloc(count, size int) (Handle, error) {
	total, ok := overflow.Mul(count, size)
	if count < 0 || size < 0 || !ok {
		return Handle{}, f.failCalloc(OpCalloc, count, size, 0, EINVAL)
	}

	p, err := f.b.Calloc(count, size)
	if err != nil {
		return Handle{}, f.failCalloc(OpCalloc, count, size, 0, err)
	}
	f.zero(p, total)
	return f.done(OpCalloc, total, p)
}

// Realloc resizes h to size bytes, preserving the common prefix.
//
// A null h behaves as Malloc(size). Size 0 frees h and returns the null
// handle. On failure the original block stays valid and owned by the caller.
func (f *Facade) Realloc(h Handle, size int) (Handle, error) {
	if size < 0 {
		return Handle{}, f.fail(OpRealloc, size, 0, EINVAL)
	}
	if h.p == nil {
		p, err := f.b.Malloc(size)
		if err != nil {
			return Handle{}, f.fail(OpRealloc, size, 0, err)
		}
		return f.done(OpRealloc, size, p)
	}
	if size == 0 {
		f.release(OpRealloc, h)
		return Handle{}, nil
	}

	p, err := f.b.Realloc(h.p, size)
	if err != nil {
		return Handle{}, f.fail(OpRealloc, size, 0, err)
	}
	return f.done(OpRealloc, size, p)
}

// AlignedAlloc returns a block whose address is a multiple of alignment.
//
// alignment must be a power of two and a multiple of PointerSize, otherwise
// the call fails with EINVAL without reaching the backend. In strict mode
// size must also be a multiple of alignment.
func (f *Facade) AlignedAlloc(alignment, size int) (Handle, error) {
	if !mem.ValidAlignment(alignment) || size < 0 || (f.strict && size%alignment != 0) {
		return Handle{}, f.fail(OpAlignedAlloc, size, alignment, EINVAL)
	}

	p, err := f.b.AlignedAlloc(alignment, size)
	if err != nil {
		return Handle{}, f.fail(OpAlignedAlloc, size, alignment, err)
	}
	return f.done(OpAlignedAlloc, size, p)
}

// PosixMemalign stores an aligned block in *out.
//
// It applies the alignment rules of AlignedAlloc and additionally rejects a
// nil out with EINVAL. On failure *out is left untouched. Size 0 stores the
// null handle and succeeds.
func (f *Facade) PosixMemalign(out *Handle, alignment, size int) error {
	if out == nil || !mem.ValidAlignment(alignment) || size < 0 {
		return f.fail(OpPosixMemalign, size, alignment, EINVAL)
	}

	p, err := f.b.AlignedAlloc(alignment, size)
	if err != nil {
		return f.fail(OpPosixMemalign, size, alignment, err)
	}
	*out, _ = f.done(OpPosixMemalign, size, p)
	return nil
}

// AlignedCalloc is the aligned variant of Calloc.
func (f *Facade) AlignedCalloc(alignment, count, size int) (Handle, error) {
	total, ok := overflow.Mul(count, size)
	if !mem.ValidAlignment(alignment) || count < 0 || size < 0 || !ok {
		return Handle{}, f.failCalloc(OpAlignedCalloc, count, size, alignment, EINVAL)
	}

	p, err := f.b.AlignedCalloc(alignment, count, size)
	if err != nil {
		return Handle{}, f.failCalloc(OpAlignedCalloc, count, size, alignment, err)
	}
	f.zero(p, total)
	return f.done(OpAlignedCalloc, total, p)
}

// AlignedRealloc resizes h to size bytes at alignment.
//
// The facade keeps no record of block sizes, so the caller passes oldSize;
// the first min(oldSize, size) bytes are preserved. A null h behaves as
// AlignedAlloc and size 0 frees h, as with Realloc. On failure the original
// block stays valid.
func (f *Facade) AlignedRealloc(h Handle, alignment, size, oldSize int) (Handle, error) {
	if !mem.ValidAlignment(alignment) || size < 0 || oldSize < 0 {
		return Handle{}, f.fail(OpAlignedRealloc, size, alignment, EINVAL)
	}
	if h.p == nil {
		p, err := f.b.AlignedAlloc(alignment, size)
		if err != nil {
			return Handle{}, f.fail(OpAlignedRealloc, size, alignment, err)
		}
		return f.done(OpAlignedRealloc, size, p)
	}
	if size == 0 {
		f.release(OpAlignedRealloc, h)
		return Handle{}, nil
	}

	p, err := f.b.AlignedRealloc(h.p, alignment, size, oldSize, 0)
	if err != nil {
		return Handle{}, f.fail(OpAlignedRealloc, size, alignment, err)
	}
	return f.done(OpAlignedRealloc, size, p)
}
