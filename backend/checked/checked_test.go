package checked

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cshim/backend"
	"github.com/hupe1980/cshim/backend/backendtest"
	"github.com/hupe1980/cshim/backend/heap"
	"github.com/hupe1980/cshim/backend/mmalloc"
)

func TestChecked_Conformance(t *testing.T) {
	t.Run("heap", func(t *testing.T) {
		backendtest.Run(t, func(t *testing.T) backend.Backend {
			return New(heap.New())
		})
	})
	t.Run("mmalloc", func(t *testing.T) {
		backendtest.Run(t, func(t *testing.T) backend.Backend {
			return New(mmalloc.New())
		})
	})
}

func TestChecked_DoubleFree(t *testing.T) {
	c := New(mmalloc.New())
	defer c.Close()

	p, err := c.Malloc(64)
	require.NoError(t, err)
	require.NoError(t, c.Free(p))

	err = c.Free(p)
	assert.ErrorIs(t, err, ErrDoubleFree)
	assert.ErrorIs(t, err, backend.ErrInvalidPointer)
	assert.Equal(t, int64(1), c.Rejected())

	_, err = c.Realloc(p, 128)
	assert.ErrorIs(t, err, ErrDoubleFree)
}

func TestChecked_ForeignPointer(t *testing.T) {
	c := New(mmalloc.New())
	defer c.Close()

	var x [32]byte
	err := c.Free(unsafe.Pointer(&x[0]))
	assert.ErrorIs(t, err, ErrForeignPointer)
	assert.NotErrorIs(t, err, ErrDoubleFree)

	_, err = c.AlignedRealloc(unsafe.Pointer(&x[0]), 64, 128, 32, 0)
	assert.ErrorIs(t, err, ErrForeignPointer)
	assert.Equal(t, int64(2), c.Rejected())
}

func TestChecked_AddressReuseIsNotDoubleFree(t *testing.T) {
	c := New(heap.New())

	for i := 0; i < 64; i++ {
		p, err := c.Malloc(32)
		require.NoError(t, err)
		require.NoError(t, c.Free(p), "iteration %d", i)
	}
	c.AssertSize(t, 0)
}

func TestChecked_CurrentAlloc(t *testing.T) {
	c := New(heap.New())

	p, err := c.Malloc(100)
	require.NoError(t, err)
	assert.Equal(t, 100, c.CurrentAlloc())

	q, err := c.Calloc(4, 25)
	require.NoError(t, err)
	assert.Equal(t, 200, c.CurrentAlloc())
	assert.Equal(t, 2, c.Live())

	p, err = c.Realloc(p, 300)
	require.NoError(t, err)
	assert.Equal(t, 400, c.CurrentAlloc())

	p, err = c.Realloc(p, 0)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, 100, c.CurrentAlloc())

	require.NoError(t, c.Free(q))
	c.AssertSize(t, 0)
	assert.Zero(t, c.Live())
}

func TestChecked_FailedReallocKeepsBlock(t *testing.T) {
	f := backendtest.NewFaulty(heap.New(), nil)
	c := New(f)

	p, err := c.Malloc(16)
	require.NoError(t, err)

	f.SetFailing(true)
	_, err = c.Realloc(p, 4096)
	require.Error(t, err)
	f.SetFailing(false)

	assert.Equal(t, 16, c.CurrentAlloc())
	assert.Equal(t, 16, c.UsableSize(p))
	require.NoError(t, c.Free(p))
}

type recorder struct {
	msgs []string
}

func (r *recorder) Errorf(format string, args ...any) {
	r.msgs = append(r.msgs, fmt.Sprintf(format, args...))
}

func (r *recorder) Helper() {}

func leakyHelper(c *Backend) unsafe.Pointer {
	p, _ := c.Malloc(48)
	return p
}

func TestChecked_AssertSizeReportsLeaks(t *testing.T) {
	c := New(heap.New(), WithFrames(1, 1))

	p := leakyHelper(c)
	require.NotNil(t, p)

	leaks := c.Leaks()
	require.Len(t, leaks, 1)
	assert.Equal(t, 48, leaks[0].Size)
	assert.Contains(t, leaks[0].Func, "leakyHelper")

	var r recorder
	c.AssertSize(&r, 0)
	require.Len(t, r.msgs, 2)
	assert.Contains(t, r.msgs[0], "LEAK of 48 bytes")
	assert.Contains(t, r.msgs[1], "exp=0, got=48")

	require.NoError(t, c.Free(p))
}

func TestChecked_Scope(t *testing.T) {
	c := New(heap.New())

	kept, err := c.Malloc(8)
	require.NoError(t, err)

	s := NewScope(c)
	p, err := c.Malloc(64)
	require.NoError(t, err)

	var r recorder
	s.CheckSize(&r)
	assert.Len(t, r.msgs, 1)

	require.NoError(t, c.Free(p))
	r.msgs = nil
	s.CheckSize(&r)
	assert.Empty(t, r.msgs)

	require.NoError(t, c.Free(kept))
}

func TestChecked_Unwrap(t *testing.T) {
	h := heap.New()
	c := New(h)
	assert.Same(t, h, c.Unwrap())
	assert.True(t, c.ZeroesMemory())
}
