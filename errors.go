package cshim

import (
	"errors"
	"fmt"

	"github.com/hupe1980/cshim/backend"
)

// AllocError describes a failed allocation call.
//
// errors.Is matches it against its Errno, so
// errors.Is(err, cshim.ErrOutOfMemory) holds for every out-of-memory failure.
// The backend error (if any) can be accessed via errors.Unwrap.
type AllocError struct {
	Op        Op
	Count     int // element count of calloc style calls
	Size      int
	Alignment int
	Errno     Errno
	cause     error
}

func (e *AllocError) Error() string {
	msg := fmt.Sprintf("%s(size=%d", e.Op, e.Size)
	if e.Op == OpCalloc || e.Op == OpAlignedCalloc {
		msg = fmt.Sprintf("%s(count=%d, size=%d", e.Op, e.Count, e.Size)
	}
	if e.Alignment > 0 {
		msg += fmt.Sprintf(", alignment=%d", e.Alignment)
	}
	msg += "): " + e.Errno.Error()
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *AllocError) Unwrap() error { return e.cause }

// Is reports whether target is e's error number.
func (e *AllocError) Is(target error) bool {
	t, ok := target.(Errno)
	return ok && t == e.Errno
}

// ErrnoOf returns the error number carried by err, 0 for nil and ENOMEM for
// errors that carry none.
func ErrnoOf(err error) Errno {
	if err == nil {
		return 0
	}
	var ae *AllocError
	if errors.As(err, &ae) {
		return ae.Errno
	}
	var en Errno
	if errors.As(err, &en) {
		return en
	}
	return ENOMEM
}

// translateError maps a validation or backend failure onto an AllocError.
// Backend argument rejections become EINVAL; every other backend failure,
// including budget exhaustion and closed backends, becomes ENOMEM.
func translateError(op Op, size, alignment int, err error) *AllocError {
	e := &AllocError{Op: op, Size: size, Alignment: alignment, Errno: ENOMEM, cause: err}

	var en Errno
	switch {
	case errors.As(err, &en):
		e.Errno = en
		if err == error(en) {
			e.cause = nil
		}
	case errors.Is(err, backend.ErrInvalidArgument):
		e.Errno = EINVAL
	}
	return e
}
