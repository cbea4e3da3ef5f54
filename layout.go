package cshim

import (
	"unsafe"

	"github.com/JohnCGriffin/overflow"
)

// Layout is the size and alignment of a typed allocation.
type Layout struct {
	Size  int
	Align int
}

// LayoutOf returns the layout of a single T.
func LayoutOf[T any]() Layout {
	var zero T
	return Layout{Size: int(unsafe.Sizeof(zero)), Align: int(unsafe.Alignof(zero))}
}

// ArrayLayout returns the layout of n consecutive T values. It fails with
// EINVAL when n is negative or the total size overflows.
func ArrayLayout[T any](n int) (Layout, error) {
	l := LayoutOf[T]()
	size, ok := overflow.Mul(n, l.Size)
	if n < 0 || !ok {
		e := translateError(OpCalloc, l.Size, 0, EINVAL)
		e.Count = n
		return Layout{}, e
	}
	l.Size = size
	return l, nil
}

// allocAlign returns the alignment to request for l from the aligned entry
// points, or 0 when natural alignment suffices.
func (l Layout) allocAlign() int {
	if l.Align <= NaturalAlignment {
		return 0
	}
	return max(l.Align, PointerSize)
}

// Alloc returns a zeroed block for l. Alignments stricter than
// NaturalAlignment go through AlignedCalloc.
func (f *Facade) Alloc(l Layout) (Handle, error) {
	if a := l.allocAlign(); a != 0 {
		return f.AlignedCalloc(a, 1, l.Size)
	}
	return f.Calloc(1, l.Size)
}

// NewValue allocates a zeroed T from f. T must not contain Go pointers when the
// backend hands out memory the garbage collector does not scan.
func NewValue[T any](f *Facade) (*T, error) {
	h, err := f.Alloc(LayoutOf[T]())
	if err != nil {
		return nil, err
	}
	if h.IsNil() {
		// Zero-sized T.
		return new(T), nil
	}
	return (*T)(h.Pointer()), nil
}

// NewSliceOf allocates a zeroed []T of length n from f.
func NewSliceOf[T any](f *Facade, n int) ([]T, error) {
	l, err := ArrayLayout[T](n)
	if err != nil {
		return nil, err
	}
	h, err := f.Alloc(l)
	if err != nil || h.IsNil() {
		return nil, err
	}
	return unsafe.Slice((*T)(h.Pointer()), n), nil
}

// ReleaseValue frees a value obtained from NewValue.
func ReleaseValue[T any](f *Facade, p *T) {
	if p == nil || unsafe.Sizeof(*p) == 0 {
		return
	}
	f.Free(HandleOf(unsafe.Pointer(p)))
}

// ReleaseSliceOf frees a slice obtained from NewSliceOf.
func ReleaseSliceOf[T any](f *Facade, s []T) {
	if cap(s) == 0 {
		return
	}
	f.Free(HandleOf(unsafe.Pointer(unsafe.SliceData(s))))
}
