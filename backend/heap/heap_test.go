package heap

import (
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cshim/backend"
	"github.com/hupe1980/cshim/backend/backendtest"
	"github.com/hupe1980/cshim/internal/mem"
)

func TestHeap_Conformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return New()
	})
}

func TestHeap_InvalidPointer(t *testing.T) {
	h := New()

	p, err := h.Malloc(32)
	require.NoError(t, err)
	require.NoError(t, h.Free(p))
	assert.ErrorIs(t, h.Free(p), backend.ErrInvalidPointer)

	var x [16]byte
	assert.ErrorIs(t, h.Free(unsafe.Pointer(&x[0])), backend.ErrInvalidPointer)

	_, err = h.Realloc(unsafe.Pointer(&x[0]), 64)
	assert.ErrorIs(t, err, backend.ErrInvalidPointer)
}

func TestHeap_MaxAllocSize(t *testing.T) {
	h := New(WithMaxAllocSize(1024))

	_, err := h.Malloc(1025)
	assert.ErrorIs(t, err, backend.ErrNoMemory)

	p, err := h.Malloc(1024)
	require.NoError(t, err)
	assert.NotNil(t, p)

	// A failed grow leaves the block valid.
	_, err = h.Realloc(p, 4096)
	assert.ErrorIs(t, err, backend.ErrNoMemory)
	assert.Equal(t, 1024, h.UsableSize(p))
	require.NoError(t, h.Free(p))
}

func TestHeap_AlignmentPaddingCounts(t *testing.T) {
	h := New()
	const top = math.MaxInt>>1 + 1

	_, err := h.AlignedAlloc(top, 16)
	assert.ErrorIs(t, err, backend.ErrNoMemory)
	_, err = h.AlignedCalloc(top, 2, 8)
	assert.ErrorIs(t, err, backend.ErrNoMemory)

	small := New(WithMaxAllocSize(1024))
	_, err = small.AlignedAlloc(1024, 1024)
	assert.ErrorIs(t, err, backend.ErrNoMemory)
	p, err := small.AlignedAlloc(256, 512)
	require.NoError(t, err)
	require.NoError(t, small.Free(p))
}

func TestHeap_NegativeSize(t *testing.T) {
	h := New()
	_, err := h.Malloc(-1)
	assert.ErrorIs(t, err, backend.ErrInvalidArgument)
	_, err = h.Calloc(-1, 8)
	assert.ErrorIs(t, err, backend.ErrInvalidArgument)
	_, err = h.AlignedAlloc(24, 8)
	assert.ErrorIs(t, err, backend.ErrInvalidArgument)
}

func TestHeap_CacheLineAlignment(t *testing.T) {
	h := New(WithCacheLineAlignment(128))

	p, err := h.Malloc(128)
	require.NoError(t, err)
	assert.True(t, mem.IsAligned(p, 128))

	small, err := h.Malloc(8)
	require.NoError(t, err)
	assert.True(t, mem.IsAligned(small, mem.NaturalAlignment))
}

func TestHeap_ReallocInPlace(t *testing.T) {
	h := New()

	p, err := h.Malloc(256)
	require.NoError(t, err)

	q, err := h.Realloc(p, 64)
	require.NoError(t, err)
	assert.Equal(t, p, q)

	q, err = h.Realloc(q, 200)
	require.NoError(t, err)
	assert.Equal(t, p, q)
	assert.Equal(t, int64(2), h.Stats().InPlace)
}

func TestHeap_Stats(t *testing.T) {
	h := New()

	p, err := h.Malloc(100)
	require.NoError(t, err)
	q, err := h.Calloc(4, 25)
	require.NoError(t, err)
	require.NoError(t, h.Free(p))

	s := h.Stats()
	assert.Equal(t, int64(2), s.Allocs)
	assert.Equal(t, int64(1), s.Frees)
	assert.Equal(t, int64(1), s.LiveBlocks)
	assert.Equal(t, int64(100), s.LiveBytes)

	require.NoError(t, h.Close())
	_, err = h.Malloc(8)
	assert.ErrorIs(t, err, backend.ErrClosed)
	assert.ErrorIs(t, h.Free(q), backend.ErrInvalidPointer)
}
