// Package crt exposes the allocation family with C calling conventions:
// size_t style sizes, nil on failure and an errno cell per thread.
package crt

import (
	"unsafe"

	"github.com/hupe1980/cshim"
	"github.com/hupe1980/cshim/internal/conv"
)

// Runtime forwards C-style calls to a facade.
type Runtime struct {
	f *cshim.Facade
}

// NewRuntime returns a runtime over f. A nil facade selects cshim.New(nil).
func NewRuntime(f *cshim.Facade) *Runtime {
	if f == nil {
		f = cshim.New(nil)
	}
	return &Runtime{f: f}
}

// Facade returns the underlying facade.
func (r *Runtime) Facade() *cshim.Facade { return r.f }

// Close finalizes the backend.
func (r *Runtime) Close() error { return r.f.Close() }

// size converts a size_t; sizes beyond int can never be satisfied.
func size(t *TLS, n uintptr) (int, bool) {
	v, err := conv.UintptrToInt(n)
	if err != nil {
		t.SetErrno(cshim.ENOMEM)
		return 0, false
	}
	return v, true
}

// alignment converts an alignment; one beyond int is never valid.
func alignment(t *TLS, n uintptr) (int, bool) {
	v, err := conv.UintptrToInt(n)
	if err != nil {
		t.SetErrno(cshim.EINVAL)
		return 0, false
	}
	return v, true
}

// product checks count*n in the size_t domain and returns the operands as
// ints. Wrap-around is EINVAL; a product beyond int is ENOMEM. A zero product
// yields (0, 0) so a huge operand paired with 0 is not misread as negative.
func product(t *TLS, count, n uintptr) (int, int, bool) {
	total, ok := conv.MulUintptr(count, n)
	if !ok {
		t.SetErrno(cshim.EINVAL)
		return 0, 0, false
	}
	if total == 0 {
		return 0, 0, true
	}
	if _, ok := size(t, total); !ok {
		return 0, 0, false
	}
	return int(count), int(n), true //nolint:gosec // both operands are <= the product
}

func result(t *TLS, h cshim.Handle, err error) unsafe.Pointer {
	if err != nil {
		t.SetErrno(cshim.ErrnoOf(err))
		return nil
	}
	return h.Pointer()
}

// Malloc is malloc(3).
func (r *Runtime) Malloc(t *TLS, n uintptr) unsafe.Pointer {
	sz, ok := size(t, n)
	if !ok {
		return nil
	}
	h, err := r.f.Malloc(sz)
	return result(t, h, err)
}

// Free is free(3). It never touches errno.
func (r *Runtime) Free(_ *TLS, p unsafe.Pointer) {
	r.f.Free(cshim.HandleOf(p))
}

// Calloc is calloc(3).
func (r *Runtime) Calloc(t *TLS, count, n uintptr) unsafe.Pointer {
	c, sz, ok := product(t, count, n)
	if !ok {
		return nil
	}
	h, err := r.f.Calloc(c, sz)
	return result(t, h, err)
}

// Realloc is realloc(3). On failure p stays valid.
func (r *Runtime) Realloc(t *TLS, p unsafe.Pointer, n uintptr) unsafe.Pointer {
	sz, ok := size(t, n)
	if !ok {
		return nil
	}
	h, err := r.f.Realloc(cshim.HandleOf(p), sz)
	return result(t, h, err)
}

// AlignedAlloc is aligned_alloc(3).
func (r *Runtime) AlignedAlloc(t *TLS, align, n uintptr) unsafe.Pointer {
	a, ok := alignment(t, align)
	if !ok {
		return nil
	}
	sz, ok := size(t, n)
	if !ok {
		return nil
	}
	h, err := r.f.AlignedAlloc(a, sz)
	return result(t, h, err)
}

// PosixMemalign is posix_memalign(3). It returns 0 or an error number and
// never touches errno. On failure *memptr is left untouched.
func (r *Runtime) PosixMemalign(_ *TLS, memptr *unsafe.Pointer, align, n uintptr) int32 {
	if memptr == nil {
		return int32(cshim.EINVAL)
	}
	a, err := conv.UintptrToInt(align)
	if err != nil {
		return int32(cshim.EINVAL)
	}
	sz, err := conv.UintptrToInt(n)
	if err != nil {
		return int32(cshim.ENOMEM)
	}

	var h cshim.Handle
	if err := r.f.PosixMemalign(&h, a, sz); err != nil {
		return int32(cshim.ErrnoOf(err))
	}
	*memptr = h.Pointer()
	return 0
}

// AlignedCalloc allocates count*n zeroed bytes at align.
func (r *Runtime) AlignedCalloc(t *TLS, align, count, n uintptr) unsafe.Pointer {
	a, ok := alignment(t, align)
	if !ok {
		return nil
	}
	c, sz, ok := product(t, count, n)
	if !ok {
		return nil
	}
	h, err := r.f.AlignedCalloc(a, c, sz)
	return result(t, h, err)
}

// AlignedRealloc resizes p to n bytes at align, preserving min(oldSize, n)
// bytes. On failure p stays valid.
func (r *Runtime) AlignedRealloc(t *TLS, p unsafe.Pointer, align, n, oldSize uintptr) unsafe.Pointer {
	a, ok := alignment(t, align)
	if !ok {
		return nil
	}
	sz, ok := size(t, n)
	if !ok {
		return nil
	}
	old, err := conv.UintptrToInt(oldSize)
	if err != nil {
		t.SetErrno(cshim.EINVAL)
		return nil
	}
	h, err := r.f.AlignedRealloc(cshim.HandleOf(p), a, sz, old)
	return result(t, h, err)
}
