// Package backend defines the contract between the allocator facade and the
// memory provider it delegates to.
//
// A Backend supplies the seven primitive operations of a general purpose
// allocator. Implementations never see invalid alignments or overflowing
// count*size products; the facade rejects those first. Implementations must
// be safe for concurrent use.
//
// Bundled implementations live in sub-packages:
//
//   - heap: Go heap, ownership checked, always available
//   - mmalloc: off-heap size-class allocator (modernc.org/memory)
//   - arena: mmap chunk arena with in-place growth
//   - checked: leak and double-free detecting decorator
//   - limited: memory budget decorator
package backend
