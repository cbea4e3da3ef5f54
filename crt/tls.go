package crt

import "github.com/hupe1980/cshim"

// TLS is the per-thread state of the C-style surface: the errno cell.
//
// A TLS starts at 0. Failing calls overwrite it; successful calls never
// clear it. A TLS must not be shared between goroutines.
type TLS struct {
	errno cshim.Errno
}

// NewTLS returns a TLS with errno 0.
func NewTLS() *TLS { return &TLS{} }

// Errno returns the last error number stored.
func (t *TLS) Errno() cshim.Errno { return t.errno }

// SetErrno stores e.
func (t *TLS) SetErrno(e cshim.Errno) { t.errno = e }

// ClearErrno resets the cell to 0.
func (t *TLS) ClearErrno() { t.errno = 0 }
