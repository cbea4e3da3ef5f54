//go:build cgo && (amd64 || arm64)

package main

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cshim"
)

func errno() cshim.Errno { return cshim.Errno(*cshim_errno_location()) }

func TestExports(t *testing.T) {
	p := cshim_malloc(64)
	require.NotNil(t, p)
	assert.True(t, cshim.HandleOf(p).IsAligned(cshim.NaturalAlignment))
	unsafe.Slice((*byte)(p), 64)[63] = 1

	p = cshim_realloc(p, 4096)
	require.NotNil(t, p)
	assert.Equal(t, byte(1), unsafe.Slice((*byte)(p), 64)[63])
	cshim_free(p)

	z := cshim_calloc(16, 16)
	require.NotNil(t, z)
	assert.Equal(t, make([]byte, 256), unsafe.Slice((*byte)(z), 256))
	cshim_free(z)

	a := cshim_aligned_alloc(4096, 100)
	require.NotNil(t, a)
	assert.Zero(t, uintptr(a)%4096)
	a = cshim_aligned_realloc(a, 256, 9000, 100)
	require.NotNil(t, a)
	assert.Zero(t, uintptr(a)%256)
	cshim_free(a)

	c := cshim_aligned_calloc(64, 4, 8)
	require.NotNil(t, c)
	cshim_free(c)
}

func TestExports_Errno(t *testing.T) {
	// The errno cell belongs to the OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	*cshim_errno_location() = 0

	assert.Nil(t, cshim_malloc(1<<62))
	assert.Equal(t, cshim.ENOMEM, errno())

	assert.Nil(t, cshim_aligned_alloc(3, 8))
	assert.Equal(t, cshim.EINVAL, errno())

	assert.Nil(t, cshim_calloc(1<<40, 1<<40))
	assert.Equal(t, cshim.EINVAL, errno())

	// Success leaves the cell alone.
	p := cshim_malloc(8)
	require.NotNil(t, p)
	assert.Equal(t, cshim.EINVAL, errno())
	cshim_free(p)
}

func TestExports_PosixMemalign(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	*cshim_errno_location() = 0

	var p unsafe.Pointer
	require.Zero(t, cshim_posix_memalign(&p, 128, 10))
	require.NotNil(t, p)
	assert.Zero(t, uintptr(p)%128)
	cshim_free(p)

	sentinel := unsafe.Pointer(&p)
	q := sentinel
	assert.Equal(t, int(cshim.EINVAL), int(cshim_posix_memalign(&q, 12, 10)))
	assert.Equal(t, sentinel, q)
	assert.Equal(t, int(cshim.EINVAL), int(cshim_posix_memalign(nil, 16, 8)))
	assert.Zero(t, errno())
}
