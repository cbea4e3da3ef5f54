// Package mem provides alignment arithmetic and aligned Go-heap allocation.
//
// # Alignment
//
// An alignment accepted by the aligned allocation entry points must be a power
// of two and a multiple of PointerSize. NaturalAlignment is the alignment every
// plain allocation honours.
//
// # Aligned Allocation
//
// AllocAligned over-allocates a byte slice and returns the aligned window.
// The underlying array stays reachable through the returned slice.
package mem
