// Package cshim implements the allocation family of a freestanding C runtime
// (malloc, free, calloc, realloc, posix_memalign and aligned_alloc, plus the
// aligned_calloc and aligned_realloc extensions) on top of a pluggable
// backend.
//
// The Facade owns the contract callers depend on: argument validation,
// overflow-checked sizing, zero-initialization, alignment guarantees and
// error reporting. Backends (see package backend) only allocate.
//
// # Quick Start
//
//	f := cshim.New(nil) // Go-heap backend
//	defer f.Close()
//
//	h, err := f.Calloc(16, 8)
//	if err != nil {
//	    return err // *AllocError; errors.Is(err, cshim.ErrOutOfMemory)
//	}
//	defer f.Free(h)
//
// # Errors
//
// Failures carry a C error number. errors.Is(err, cshim.ErrOutOfMemory) and
// errors.Is(err, cshim.ErrInvalidArgument) classify them, ErrnoOf extracts the
// number and errors.Unwrap exposes the backend error. The C-style surface
// that writes a per-thread errno cell lives in package crt.
//
// # Backends
//
//   - backend/heap: Go heap, ownership checked (default)
//   - backend/mmalloc: off-heap size classes (modernc.org/memory)
//   - backend/arena: mmap chunks with bump allocation and in-place growth
//   - backend/checked: leak and double-free detection decorator
//   - backend/limited: memory budget decorator
//   - trace: recording decorator with replay
package cshim
