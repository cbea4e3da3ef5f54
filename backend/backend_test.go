package backend

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReallocFlags(t *testing.T) {
	f := NoPreserve | GrowOrFail
	assert.True(t, f.Has(NoPreserve))
	assert.True(t, f.Has(GrowOrFail))
	assert.False(t, NoPreserve.Has(GrowOrFail))
	assert.True(t, ReallocFlags(0).Has(0))
	assert.Equal(t, ReallocFlags(1), NoPreserve)
	assert.Equal(t, ReallocFlags(2), GrowOrFail)
}

func TestRelocate(t *testing.T) {
	src := []byte("hello world")
	p := unsafe.Pointer(&src[0])

	var freed unsafe.Pointer
	free := func(q unsafe.Pointer) { freed = q }

	t.Run("copies prefix", func(t *testing.T) {
		dst := make([]byte, 5)
		q, err := Relocate(p, len(src), 5, 0, func() (unsafe.Pointer, error) {
			return unsafe.Pointer(&dst[0]), nil
		}, free)
		require.NoError(t, err)
		assert.Equal(t, unsafe.Pointer(&dst[0]), q)
		assert.Equal(t, "hello", string(dst))
		assert.Equal(t, p, freed)
	})

	t.Run("no preserve", func(t *testing.T) {
		dst := make([]byte, 5)
		_, err := Relocate(p, len(src), 5, NoPreserve, func() (unsafe.Pointer, error) {
			return unsafe.Pointer(&dst[0]), nil
		}, free)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 5), dst)
	})

	t.Run("grow or fail", func(t *testing.T) {
		called := false
		_, err := Relocate(p, len(src), 64, GrowOrFail, func() (unsafe.Pointer, error) {
			called = true
			return nil, nil
		}, free)
		assert.ErrorIs(t, err, ErrNoMemory)
		assert.False(t, called)
	})

	t.Run("alloc failure keeps original", func(t *testing.T) {
		freed = nil
		_, err := Relocate(p, len(src), 64, 0, func() (unsafe.Pointer, error) {
			return nil, ErrNoMemory
		}, free)
		assert.ErrorIs(t, err, ErrNoMemory)
		assert.Nil(t, freed)
	})
}

type closer struct {
	Backend
	closed bool
}

func (c *closer) Close() error { c.closed = true; return errors.New("boom") }

func TestHelpers(t *testing.T) {
	c := &closer{}
	assert.EqualError(t, Close(c), "boom")
	assert.True(t, c.closed)
	assert.NoError(t, Close(struct{ Backend }{}))
	assert.False(t, Zeroes(struct{ Backend }{}))
}
