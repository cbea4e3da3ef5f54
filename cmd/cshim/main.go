// Command cshim builds the allocation facade as a C shared library:
//
//	go build -buildmode=c-shared -o libcshim.so ./cmd/cshim
//
// The library exports cshim_malloc, cshim_free, cshim_calloc, cshim_realloc,
// cshim_posix_memalign, cshim_aligned_alloc, cshim_aligned_calloc and
// cshim_aligned_realloc with the C signatures of their libc counterparts,
// plus cshim_errno_location, which returns the calling thread's errno cell.
// Failures also set the libc errno.
//
// Memory comes from the off-heap mmalloc backend, so blocks handed to C are
// never moved or collected by the Go runtime. Setting CSHIM_LOG to a level
// (debug, info, warn, error) logs allocation failures to stderr.
package main

func main() {}
