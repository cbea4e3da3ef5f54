package cshim

import (
	"errors"
	"sync/atomic"
)

// MetricsCollector defines an interface for collecting allocation metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordAlloc is called after each allocating or reallocating call.
	// size is the requested size in bytes (count*size for the zeroing
	// variants), err is nil if successful.
	RecordAlloc(op Op, size int, err error)

	// RecordFree is called after each non-nil free, including the implicit
	// free of a size 0 reallocation. err is the backend's complaint, if any.
	RecordFree(err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAlloc(Op, int, error) {}
func (NoopMetricsCollector) RecordFree(error)           {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AllocCount      atomic.Int64
	AllocBytes      atomic.Int64
	AllocErrors     atomic.Int64
	OutOfMemory     atomic.Int64
	InvalidArgument atomic.Int64
	FreeCount       atomic.Int64
	FreeErrors      atomic.Int64

	ops [numOps]atomic.Int64
}

// RecordAlloc implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAlloc(op Op, size int, err error) {
	b.AllocCount.Add(1)
	if op < numOps {
		b.ops[op].Add(1)
	}
	if err == nil {
		b.AllocBytes.Add(int64(size))
		return
	}

	b.AllocErrors.Add(1)
	switch {
	case errors.Is(err, ErrInvalidArgument):
		b.InvalidArgument.Add(1)
	case errors.Is(err, ErrOutOfMemory):
		b.OutOfMemory.Add(1)
	}
}

// RecordFree implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFree(err error) {
	b.FreeCount.Add(1)
	b.ops[OpFree].Add(1)
	if err != nil {
		b.FreeErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	s := BasicMetricsStats{
		AllocCount:      b.AllocCount.Load(),
		AllocBytes:      b.AllocBytes.Load(),
		AllocErrors:     b.AllocErrors.Load(),
		OutOfMemory:     b.OutOfMemory.Load(),
		InvalidArgument: b.InvalidArgument.Load(),
		FreeCount:       b.FreeCount.Load(),
		FreeErrors:      b.FreeErrors.Load(),
		ByOp:            make(map[Op]int64, numOps),
	}
	for i := range b.ops {
		if n := b.ops[i].Load(); n > 0 {
			s.ByOp[Op(i)] = n
		}
	}
	return s
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	AllocCount      int64
	AllocBytes      int64
	AllocErrors     int64
	OutOfMemory     int64
	InvalidArgument int64
	FreeCount       int64
	FreeErrors      int64
	ByOp            map[Op]int64
}
