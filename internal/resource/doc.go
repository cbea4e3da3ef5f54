// Package resource implements a memory budget for allocator backends.
//
// The Controller tracks bytes reserved by an allocator and, when configured
// with a limit, rejects reservations that would exceed it. Reservations are
// fail-fast: AcquireMemory never blocks and returns ErrMemoryLimitExceeded
// immediately, which allocators surface as out-of-memory.
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 64 << 20, // 64 MiB
//	})
//
//	if err := rc.AcquireMemory(int64(size)); err != nil {
//	    return nil, err // ENOMEM
//	}
//	defer rc.ReleaseMemory(int64(size))
//
// Usage is tracked with atomic counters; the hard limit is a weighted
// semaphore from golang.org/x/sync.
package resource
