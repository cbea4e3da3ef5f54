//go:build cgo

package main

// #include <stddef.h>
// #include "cshim_errno.h"
import "C"

import (
	"log/slog"
	"os"
	"unsafe"

	"github.com/hupe1980/cshim"
	"github.com/hupe1980/cshim/backend/mmalloc"
	"github.com/hupe1980/cshim/crt"
)

var rt = crt.NewRuntime(cshim.New(mmalloc.New(), loggerFromEnv()...))

func loggerFromEnv() []cshim.Option {
	v, ok := os.LookupEnv("CSHIM_LOG")
	if !ok {
		return nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		level = slog.LevelWarn
	}
	return []cshim.Option{cshim.WithLogger(cshim.NewTextLogger(level))}
}

// call runs fn with a fresh errno cell and publishes a failure to the
// thread's C errno. Exported functions run on the calling C thread.
func call(fn func(t *crt.TLS) unsafe.Pointer) unsafe.Pointer {
	var t crt.TLS
	p := fn(&t)
	if e := t.Errno(); e != 0 {
		C.cshim_set_errno(C.int(e))
	}
	return p
}

//export cshim_malloc
func cshim_malloc(size C.size_t) unsafe.Pointer {
	return call(func(t *crt.TLS) unsafe.Pointer {
		return rt.Malloc(t, uintptr(size))
	})
}

//export cshim_free
func cshim_free(p unsafe.Pointer) {
	rt.Free(nil, p)
}

//export cshim_calloc
func cshim_calloc(count, size C.size_t) unsafe.Pointer {
	return call(func(t *crt.TLS) unsafe.Pointer {
		return rt.Calloc(t, uintptr(count), uintptr(size))
	})
}

//export cshim_realloc
func cshim_realloc(p unsafe.Pointer, size C.size_t) unsafe.Pointer {
	return call(func(t *crt.TLS) unsafe.Pointer {
		return rt.Realloc(t, p, uintptr(size))
	})
}

// cshim_posix_memalign reports failure through its result only; errno is
// left alone, as POSIX specifies.
//
//export cshim_posix_memalign
func cshim_posix_memalign(memptr *unsafe.Pointer, alignment, size C.size_t) C.int {
	return C.int(rt.PosixMemalign(nil, memptr, uintptr(alignment), uintptr(size)))
}

//export cshim_aligned_alloc
func cshim_aligned_alloc(alignment, size C.size_t) unsafe.Pointer {
	return call(func(t *crt.TLS) unsafe.Pointer {
		return rt.AlignedAlloc(t, uintptr(alignment), uintptr(size))
	})
}

//export cshim_aligned_calloc
func cshim_aligned_calloc(alignment, count, size C.size_t) unsafe.Pointer {
	return call(func(t *crt.TLS) unsafe.Pointer {
		return rt.AlignedCalloc(t, uintptr(alignment), uintptr(count), uintptr(size))
	})
}

//export cshim_aligned_realloc
func cshim_aligned_realloc(p unsafe.Pointer, alignment, size, oldSize C.size_t) unsafe.Pointer {
	return call(func(t *crt.TLS) unsafe.Pointer {
		return rt.AlignedRealloc(t, p, uintptr(alignment), uintptr(size), uintptr(oldSize))
	})
}

//export cshim_errno_location
func cshim_errno_location() *C.int {
	return C.cshim_errno_cell()
}
