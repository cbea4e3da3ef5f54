// Package arena provides an off-heap, chunked bump allocator.
//
// Chunks are anonymous mmap regions (1 MiB by default) so allocations never
// add GC pressure and addresses stay stable. Allocation is a lock-free CAS on
// the current chunk's offset; a mutex is only taken to map a new chunk.
//
// # Blocks
//
// Every block is preceded by a small header recording its requested size and
// usable capacity. The header lets Free detect foreign pointers and double
// frees, and lets Grow extend the most recent block of a chunk in place.
// Requests that do not fit a chunk get a dedicated mapping that is unmapped
// as soon as the block is freed.
//
// # Lifetime
//
// Freeing a chunk-resident block only updates statistics; its bytes are
// reclaimed by Reset (which keeps and zeroes the first chunk) or Close.
// Memory handed out by Alloc is always zero-filled.
//
// Reset and Close must not run concurrently with other operations.
package arena
