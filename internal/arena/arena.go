package arena

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/cshim/internal/mem"
	"github.com/hupe1980/cshim/internal/mmap"
)

// MemoryAcquirer is charged for every chunk the arena maps.
// *resource.Controller implements it.
type MemoryAcquirer interface {
	AcquireMemory(bytes int64) error
	ReleaseMemory(bytes int64)
}

var (
	// ErrMaxChunksExceeded is returned when the arena exceeds the maximum number of chunks.
	ErrMaxChunksExceeded = errors.New("arena: max chunks exceeded")
	// ErrClosed is returned by operations on a closed arena.
	ErrClosed = errors.New("arena: closed")
	// ErrInvalidPointer is returned when a pointer does not denote a live block.
	ErrInvalidPointer = errors.New("arena: pointer is not a live block")
	// ErrInvalidAlignment is returned for alignments that are not a power of two.
	ErrInvalidAlignment = errors.New("arena: alignment must be a power of two")
	// ErrTooLarge is returned when a request cannot be represented.
	ErrTooLarge = errors.New("arena: allocation too large")
)

const (
	// DefaultChunkSize is the default size of a chunk (1MB).
	DefaultChunkSize = 1024 * 1024
	// DefaultAlignment is the minimum alignment of every block.
	DefaultAlignment = mem.NaturalAlignment
	// MaxChunks limits the number of live mappings.
	MaxChunks = 65536

	headerSize = 32

	stateLive  uint32 = 0x6576696c // "live"
	stateFreed uint32 = 0x65657266 // "free"
)

// header sits immediately before every block. It lives in mapped memory and
// must not hold Go pointers.
type header struct {
	size  atomic.Int64 // requested bytes
	cap   atomic.Int64 // usable bytes from the block start
	state atomic.Uint32
}

// Stats tracks arena memory usage metrics.
//
//   - BytesReserved: bytes currently mapped
//   - BytesUsed: bytes requested by live blocks
//   - BytesWasted: headers, alignment padding and rounding since the last Reset
//   - ActiveChunks: mappings currently held (shared and dedicated)
type Stats struct {
	ChunksAllocated uint64 // Historical: total mappings ever created
	BytesReserved   uint64
	BytesUsed       uint64
	BytesWasted     uint64
	ActiveChunks    uint64
	DedicatedChunks uint64 // Current: single-block mappings
	TotalAllocs     uint64 // Historical: total allocations
	TotalFrees      uint64 // Historical: total frees
	InPlaceGrows    uint64 // Historical: Grow calls satisfied without moving
}

type atomicStats struct {
	ChunksAllocated atomic.Uint64
	BytesReserved   atomic.Int64
	BytesUsed       atomic.Int64
	BytesWasted     atomic.Int64
	ActiveChunks    atomic.Int64
	DedicatedChunks atomic.Int64
	TotalAllocs     atomic.Uint64
	TotalFrees      atomic.Uint64
	InPlaceGrows    atomic.Uint64
}

type chunk struct {
	data      []byte
	base      uintptr
	mapping   *mmap.Mapping
	offset    atomic.Int64 // MUST be atomic - bumped concurrently without locks
	dedicated bool
}

func (c *chunk) header(off int) *header {
	return (*header)(unsafe.Pointer(&c.data[off-headerSize])) //nolint:gosec // header precedes the block
}

func (c *chunk) contains(addr uintptr) bool {
	return addr >= c.base && addr < c.base+uintptr(len(c.data))
}

// Arena is a memory arena allocator.
type Arena struct {
	chunkSize int
	alignment int
	pageSize  int
	pattern   mmap.AccessPattern
	acquirer  MemoryAcquirer

	mu      sync.Mutex // serializes chunk creation, Reset and Close
	current atomic.Pointer[chunk]
	first   *chunk

	spansMu sync.RWMutex
	spans   []*chunk // sorted by base address

	closed     atomic.Bool
	generation atomic.Uint32
	stats      atomicStats
}

// Option is a configuration option for Arena.
type Option func(*Arena)

// WithMemoryAcquirer sets the memory acquirer for the arena.
func WithMemoryAcquirer(acquirer MemoryAcquirer) Option {
	return func(a *Arena) {
		a.acquirer = acquirer
	}
}

// WithAlignment raises the minimum block alignment. Values that are not a
// power of two at least DefaultAlignment are ignored.
func WithAlignment(alignment int) Option {
	return func(a *Arena) {
		if mem.IsPowerOfTwo(alignment) && alignment > a.alignment {
			a.alignment = alignment
		}
	}
}

// WithAccessPattern applies a kernel access hint to every mapped chunk.
func WithAccessPattern(p mmap.AccessPattern) Option {
	return func(a *Arena) {
		a.pattern = p
	}
}

// New creates a new Arena. chunkSize is rounded up to a power of two; values
// <= 0 select DefaultChunkSize.
func New(chunkSize int, opts ...Option) (*Arena, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > math.MaxInt32 {
		return nil, ErrTooLarge
	}

	pageSize := os.Getpagesize()
	chunkSize = max(int(1)<<bits.Len(uint(chunkSize-1)), pageSize) //nolint:gosec // chunkSize > 0

	a := &Arena{
		chunkSize: chunkSize,
		alignment: DefaultAlignment,
		pageSize:  pageSize,
	}

	for _, opt := range opts {
		opt(a)
	}

	a.generation.Store(1)

	a.mu.Lock()
	defer a.mu.Unlock()

	first, err := a.mapChunkLocked(a.chunkSize, false)
	if err != nil {
		return nil, err
	}
	a.first = first

	return a, nil
}

// Generation returns the current generation; it advances on every Reset.
func (a *Arena) Generation() uint32 {
	return a.generation.Load()
}

// ChunkSize returns the size of a shared chunk.
func (a *Arena) ChunkSize() int {
	return a.chunkSize
}

func (a *Arena) mapChunkLocked(size int, dedicated bool) (*chunk, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}

	a.spansMu.RLock()
	n := len(a.spans)
	a.spansMu.RUnlock()
	if n >= MaxChunks {
		return nil, ErrMaxChunksExceeded
	}

	if a.acquirer != nil {
		if err := a.acquirer.AcquireMemory(int64(size)); err != nil {
			return nil, err
		}
	}

	mapping, err := mmap.MapAnon(size)
	if err != nil {
		if a.acquirer != nil {
			a.acquirer.ReleaseMemory(int64(size))
		}
		return nil, fmt.Errorf("failed to map anonymous memory for chunk: %w", err)
	}
	if a.pattern != mmap.AccessDefault {
		_ = mapping.Advise(a.pattern)
	}

	data := mapping.Bytes()
	c := &chunk{
		data:      data,
		base:      uintptr(unsafe.Pointer(&data[0])), //nolint:gosec // off-heap mapping
		mapping:   mapping,
		dedicated: dedicated,
	}

	a.spansMu.Lock()
	i, _ := slices.BinarySearchFunc(a.spans, c.base, func(s *chunk, base uintptr) int {
		switch {
		case s.base < base:
			return -1
		case s.base > base:
			return 1
		}
		return 0
	})
	a.spans = slices.Insert(a.spans, i, c)
	a.spansMu.Unlock()

	a.stats.ChunksAllocated.Add(1)
	a.stats.BytesReserved.Add(int64(size))
	a.stats.ActiveChunks.Add(1)
	if dedicated {
		a.stats.DedicatedChunks.Add(1)
	} else {
		a.current.Store(c)
	}

	return c, nil
}

// Alloc returns a zero-filled block of size bytes aligned to at least align
// (and to the arena's minimum alignment). It returns nil for size <= 0.
func (a *Arena) Alloc(size, align int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, nil
	}
	if align < a.alignment {
		align = a.alignment
	}
	if !mem.IsPowerOfTwo(align) {
		return nil, ErrInvalidAlignment
	}

	capSize, ok := mem.AlignUp(size, a.alignment)
	if !ok || capSize > math.MaxInt-headerSize-align {
		return nil, ErrTooLarge
	}
	need := headerSize + align - 1 + capSize

	if need > a.chunkSize {
		return a.allocDedicated(size, capSize, align, need)
	}

	for {
		curr := a.current.Load()
		if curr == nil {
			return nil, ErrClosed
		}

		if p, ok := a.tryAllocInChunk(curr, size, capSize, align); ok {
			return p, nil
		}

		// Current chunk is full; only one goroutine maps the next one.
		a.mu.Lock()
		if a.current.Load() != curr {
			a.mu.Unlock()
			continue
		}
		if _, err := a.mapChunkLocked(a.chunkSize, false); err != nil {
			a.mu.Unlock()
			return nil, err
		}
		a.mu.Unlock()
	}
}

func (a *Arena) tryAllocInChunk(c *chunk, size, capSize, align int) (unsafe.Pointer, bool) {
	for {
		old := c.offset.Load()
		start := int(old) + headerSize
		begin := start + mem.Padding(c.base+uintptr(start), align)
		end := begin + capSize
		if end > len(c.data) {
			return nil, false
		}
		if !c.offset.CompareAndSwap(old, int64(end)) {
			continue
		}

		a.initBlock(c, begin, size, capSize)
		a.stats.BytesWasted.Add(int64(begin - int(old) + capSize - size))
		return unsafe.Pointer(&c.data[begin]), true //nolint:gosec // off-heap block
	}
}

func (a *Arena) allocDedicated(size, capSize, align, need int) (unsafe.Pointer, error) {
	mapSize, ok := mem.AlignUp(need, a.pageSize)
	if !ok {
		return nil, ErrTooLarge
	}

	a.mu.Lock()
	c, err := a.mapChunkLocked(mapSize, true)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	begin := headerSize + mem.Padding(c.base+headerSize, align)
	end := begin + capSize
	c.offset.Store(int64(end))

	a.initBlock(c, begin, size, capSize)
	a.stats.BytesWasted.Add(int64(begin + capSize - size))
	return unsafe.Pointer(&c.data[begin]), nil //nolint:gosec // off-heap block
}

func (a *Arena) initBlock(c *chunk, begin, size, capSize int) {
	h := c.header(begin)
	h.size.Store(int64(size))
	h.cap.Store(int64(capSize))
	h.state.Store(stateLive)

	a.stats.BytesUsed.Add(int64(size))
	a.stats.TotalAllocs.Add(1)
}

// lookupLocked resolves p to its chunk and live header. The caller must hold
// spansMu for reading.
func (a *Arena) lookupLocked(p unsafe.Pointer) (*chunk, *header, int, error) {
	addr := uintptr(p)
	i, found := slices.BinarySearchFunc(a.spans, addr, func(s *chunk, addr uintptr) int {
		switch {
		case s.base < addr:
			return -1
		case s.base > addr:
			return 1
		}
		return 0
	})
	if !found {
		i--
	}
	if i < 0 || !a.spans[i].contains(addr) {
		return nil, nil, 0, ErrInvalidPointer
	}

	c := a.spans[i]
	off := int(addr - c.base)
	if off < headerSize || addr%uintptr(a.alignment) != 0 {
		return nil, nil, 0, ErrInvalidPointer
	}
	h := c.header(off)
	if h.state.Load() != stateLive {
		return nil, nil, 0, ErrInvalidPointer
	}
	return c, h, off, nil
}

// Free releases the block at p. Chunk-resident bytes are reclaimed by Reset;
// dedicated mappings are unmapped immediately.
func (a *Arena) Free(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}

	a.spansMu.RLock()
	c, h, _, err := a.lookupLocked(p)
	if err == nil && !h.state.CompareAndSwap(stateLive, stateFreed) {
		err = ErrInvalidPointer
	}
	var size int64
	if err == nil {
		size = h.size.Load()
	}
	a.spansMu.RUnlock()

	if err != nil {
		return err
	}

	a.stats.BytesUsed.Add(-size)
	a.stats.TotalFrees.Add(1)

	if c.dedicated {
		a.unmapDedicated(c)
	}
	return nil
}

func (a *Arena) unmapDedicated(c *chunk) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.spansMu.Lock()
	i := slices.Index(a.spans, c)
	if i >= 0 {
		a.spans = slices.Delete(a.spans, i, i+1)
	}
	a.spansMu.Unlock()
	if i < 0 {
		return // Reset or Close already released it
	}

	a.releaseChunk(c)
	a.stats.DedicatedChunks.Add(-1)
}

func (a *Arena) releaseChunk(c *chunk) {
	size := len(c.data)
	_ = c.mapping.Close()
	if a.acquirer != nil {
		a.acquirer.ReleaseMemory(int64(size))
	}
	a.stats.BytesReserved.Add(-int64(size))
	a.stats.ActiveChunks.Add(-1)
}

// Size returns the usable capacity of the live block at p.
func (a *Arena) Size(p unsafe.Pointer) (int, error) {
	a.spansMu.RLock()
	defer a.spansMu.RUnlock()

	_, h, _, err := a.lookupLocked(p)
	if err != nil {
		return 0, err
	}
	return int(h.cap.Load()), nil
}

// Grow resizes the block at p without moving it. It succeeds when newSize
// fits the block's capacity, or when the block is the last one carved from
// its chunk and the chunk has room left. ok is false if the block must move.
func (a *Arena) Grow(p unsafe.Pointer, newSize int) (bool, error) {
	if newSize <= 0 {
		return false, nil
	}

	a.spansMu.RLock()
	defer a.spansMu.RUnlock()

	c, h, off, err := a.lookupLocked(p)
	if err != nil {
		return false, err
	}

	oldSize := h.size.Load()
	capSize := int(h.cap.Load())
	if newSize <= capSize {
		h.size.Store(int64(newSize))
		a.stats.BytesUsed.Add(int64(newSize) - oldSize)
		a.stats.BytesWasted.Add(oldSize - int64(newSize))
		a.stats.InPlaceGrows.Add(1)
		return true, nil
	}
	if c.dedicated {
		return false, nil
	}

	newCap, ok := mem.AlignUp(newSize, a.alignment)
	if !ok || newCap > len(c.data)-off {
		return false, nil
	}
	if !c.offset.CompareAndSwap(int64(off+capSize), int64(off+newCap)) {
		return false, nil
	}

	h.cap.Store(int64(newCap))
	h.size.Store(int64(newSize))
	a.stats.BytesUsed.Add(int64(newSize) - oldSize)
	a.stats.BytesWasted.Add(int64(newCap-newSize) - int64(capSize) + oldSize)
	a.stats.InPlaceGrows.Add(1)
	return true, nil
}

// Stats returns the current arena statistics.
func (a *Arena) Stats() Stats {
	u := func(v int64) uint64 { return uint64(max(v, 0)) }
	return Stats{
		ChunksAllocated: a.stats.ChunksAllocated.Load(),
		BytesReserved:   u(a.stats.BytesReserved.Load()),
		BytesUsed:       u(a.stats.BytesUsed.Load()),
		BytesWasted:     u(a.stats.BytesWasted.Load()),
		ActiveChunks:    u(a.stats.ActiveChunks.Load()),
		DedicatedChunks: u(a.stats.DedicatedChunks.Load()),
		TotalAllocs:     a.stats.TotalAllocs.Load(),
		TotalFrees:      a.stats.TotalFrees.Load(),
		InPlaceGrows:    a.stats.InPlaceGrows.Load(),
	}
}

// Reset invalidates every block, unmaps all chunks but the first and zeroes
// the first for reuse.
//
// IMPORTANT: Do NOT call Reset concurrently with other operations. Pointers
// obtained before Reset must not be used afterwards.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed.Load() {
		return
	}

	a.generation.Add(1)

	a.spansMu.Lock()
	for _, c := range a.spans {
		if c != a.first {
			a.releaseChunk(c)
		}
	}
	a.spans = append(a.spans[:0], a.first)
	a.spansMu.Unlock()

	used := a.first.offset.Load()
	clear(a.first.data[:used])
	a.first.offset.Store(0)
	a.current.Store(a.first)

	a.stats.DedicatedChunks.Store(0)
	a.stats.BytesUsed.Store(0)
	a.stats.BytesWasted.Store(0)
}

// Close unmaps all memory. It is idempotent; every operation afterwards
// fails with ErrClosed or ErrInvalidPointer.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed.Swap(true) {
		return nil
	}

	a.current.Store(nil)

	a.spansMu.Lock()
	for _, c := range a.spans {
		a.releaseChunk(c)
	}
	a.spans = nil
	a.spansMu.Unlock()

	a.first = nil
	a.stats.DedicatedChunks.Store(0)
	a.stats.BytesUsed.Store(0)
	a.stats.BytesWasted.Store(0)
	return nil
}

// Usage returns the memory usage percentage.
func (a *Arena) Usage() float64 {
	stats := a.Stats()
	if stats.BytesReserved == 0 {
		return 0
	}
	return float64(stats.BytesUsed) / float64(stats.BytesReserved) * 100
}

func (a *Arena) String() string {
	stats := a.Stats()
	return fmt.Sprintf(
		"Arena{chunks: %d, dedicated: %d, reserved: %.2f MB, used: %.2f MB, wasted: %.2f KB, usage: %.1f%%, allocs: %d, frees: %d}",
		stats.ActiveChunks,
		stats.DedicatedChunks,
		float64(stats.BytesReserved)/(1024*1024),
		float64(stats.BytesUsed)/(1024*1024),
		float64(stats.BytesWasted)/1024,
		a.Usage(),
		stats.TotalAllocs,
		stats.TotalFrees,
	)
}
