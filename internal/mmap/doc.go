// Package mmap provides file and anonymous memory mappings.
//
// # Anonymous Mappings
//
// MapAnon creates private read-write mappings outside the Go garbage
// collector's control. The arena backend carves allocation blocks out of them:
//
//	m, err := mmap.MapAnon(1 << 20)
//	if err != nil { ... }
//	defer m.Close()
//	buf := m.Bytes() // zero-filled
//
// # File Mappings
//
// Open maps a file read-only. The trace reader uses it to replay recorded
// allocation streams without copying them into the heap:
//
//	m, _ := mmap.Open("run.trace")
//	body, _ := m.Region(headerLen, m.Size()-headerLen)
//	r := body.NewReader()
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with madvise(2) for access hints
//   - Windows: CreateFileMapping/MapViewOfFile and VirtualAlloc (advice is a no-op)
//
// # Thread Safety
//
// Close is idempotent and guarded by an atomic flag. Callers must ensure no
// goroutine touches the bytes after Close returns.
package mmap
