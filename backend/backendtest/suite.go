// Package backendtest provides a conformance suite for backend.Backend
// implementations and test doubles for exercising allocation failures.
package backendtest

import (
	"fmt"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/cshim/backend"
	"github.com/hupe1980/cshim/internal/mem"
)

// Factory builds a fresh backend for one subtest. The suite closes it.
type Factory func(t *testing.T) backend.Backend

// Bytes views n bytes at p.
func Bytes(p unsafe.Pointer, n int) []byte {
	if p == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}

// Fill writes a position dependent pattern seeded by seed.
func Fill(p unsafe.Pointer, n int, seed byte) {
	b := Bytes(p, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
}

// Verify reports the first index where the pattern written by Fill differs,
// or -1.
func Verify(p unsafe.Pointer, n int, seed byte) int {
	b := Bytes(p, n)
	for i := range b {
		if b[i] != seed+byte(i*7) {
			return i
		}
	}
	return -1
}

// IsZero reports whether n bytes at p are all zero.
func IsZero(p unsafe.Pointer, n int) bool {
	for _, c := range Bytes(p, n) {
		if c != 0 {
			return false
		}
	}
	return true
}

// Run executes the conformance suite against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	run := func(name string, fn func(t *testing.T, b backend.Backend)) {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = backend.Close(b) })
			fn(t, b)
		})
	}

	run("MallocZeroSize", testMallocZeroSize)
	run("MallocReadWrite", testMallocReadWrite)
	run("BlocksDoNotOverlap", testBlocksDoNotOverlap)
	run("FreeNil", testFreeNil)
	run("Calloc", testCalloc)
	run("Realloc", testRealloc)
	run("AlignedAlloc", testAlignedAlloc)
	run("AlignedCalloc", testAlignedCalloc)
	run("AlignedRealloc", testAlignedRealloc)
	run("AlignedReallocGrowOrFail", testAlignedReallocGrowOrFail)
	run("UsableSize", testUsableSize)
	run("Concurrent", testConcurrent)
}

func testMallocZeroSize(t *testing.T, b backend.Backend) {
	p, err := b.Malloc(0)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = b.Calloc(0, 8)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = b.AlignedAlloc(64, 0)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func testMallocReadWrite(t *testing.T, b backend.Backend) {
	for i, size := range []int{1, 7, 16, 100, 4096, 1 << 20} {
		p, err := b.Malloc(size)
		require.NoError(t, err, "size=%d", size)
		require.NotNil(t, p)
		assert.True(t, mem.IsAligned(p, mem.NaturalAlignment), "size=%d not naturally aligned", size)

		Fill(p, size, byte(i))
		assert.Equal(t, -1, Verify(p, size, byte(i)))
		require.NoError(t, b.Free(p))
	}
}

func testBlocksDoNotOverlap(t *testing.T, b backend.Backend) {
	const n, size = 128, 48

	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		p, err := b.Malloc(size)
		require.NoError(t, err)
		Fill(p, size, byte(i))
		ptrs[i] = p
	}
	for i, p := range ptrs {
		require.Equal(t, -1, Verify(p, size, byte(i)), "block %d corrupted", i)
	}
	for _, p := range ptrs {
		require.NoError(t, b.Free(p))
	}
}

func testFreeNil(t *testing.T, b backend.Backend) {
	assert.NoError(t, b.Free(nil))
}

func testCalloc(t *testing.T, b backend.Backend) {
	// Dirty the heap first so recycled memory would show.
	for i := 0; i < 16; i++ {
		p, err := b.Malloc(256)
		require.NoError(t, err)
		Fill(p, 256, 0xA5)
		require.NoError(t, b.Free(p))
	}

	p, err := b.Calloc(32, 8)
	require.NoError(t, err)
	require.NotNil(t, p)
	if backend.Zeroes(b) {
		assert.True(t, IsZero(p, 256))
	}
	require.NoError(t, b.Free(p))
}

func testRealloc(t *testing.T, b backend.Backend) {
	p, err := b.Realloc(nil, 32)
	require.NoError(t, err)
	require.NotNil(t, p)
	Fill(p, 32, 3)

	p, err = b.Realloc(p, 4096)
	require.NoError(t, err)
	assert.Equal(t, -1, Verify(p, 32, 3), "grow lost contents")
	assert.True(t, mem.IsAligned(p, mem.NaturalAlignment))

	p, err = b.Realloc(p, 8)
	require.NoError(t, err)
	assert.Equal(t, -1, Verify(p, 8, 3), "shrink lost contents")

	p, err = b.Realloc(p, 0)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func testAlignedAlloc(t *testing.T, b backend.Backend) {
	for _, align := range []int{mem.PointerSize, 16, 32, 64, 128, 256, 4096} {
		for _, size := range []int{1, 24, 100, 5000} {
			p, err := b.AlignedAlloc(align, size)
			require.NoError(t, err, "align=%d size=%d", align, size)
			require.NotNil(t, p)
			assert.True(t, mem.IsAligned(p, align), "align=%d size=%d addr=%#x", align, size, uintptr(p))
			Fill(p, size, 9)
			require.NoError(t, b.Free(p))
		}
	}
}

func testAlignedCalloc(t *testing.T, b backend.Backend) {
	p, err := b.AlignedCalloc(128, 10, 100)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, mem.IsAligned(p, 128))
	if backend.Zeroes(b) {
		assert.True(t, IsZero(p, 1000))
	}
	require.NoError(t, b.Free(p))
}

func testAlignedRealloc(t *testing.T, b backend.Backend) {
	p, err := b.AlignedRealloc(nil, 64, 100, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, mem.IsAligned(p, 64))
	Fill(p, 100, 5)

	p, err = b.AlignedRealloc(p, 256, 10000, 100, 0)
	require.NoError(t, err)
	assert.True(t, mem.IsAligned(p, 256))
	assert.Equal(t, -1, Verify(p, 100, 5))

	p, err = b.AlignedRealloc(p, 4096, 50, 10000, 0)
	require.NoError(t, err)
	assert.True(t, mem.IsAligned(p, 4096))
	assert.Equal(t, -1, Verify(p, 50, 5))

	p, err = b.AlignedRealloc(p, 64, 0, 50, 0)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func testAlignedReallocGrowOrFail(t *testing.T, b backend.Backend) {
	p, err := b.AlignedAlloc(64, 64)
	require.NoError(t, err)
	Fill(p, 64, 1)

	// Either the block grows where it is or the call fails untouched.
	q, err := b.AlignedRealloc(p, 64, 1<<20, 64, backend.GrowOrFail)
	if err != nil {
		assert.ErrorIs(t, err, backend.ErrNoMemory)
		assert.Equal(t, -1, Verify(p, 64, 1))
		require.NoError(t, b.Free(p))
		return
	}
	assert.Equal(t, p, q)
	assert.Equal(t, -1, Verify(q, 64, 1))
	require.NoError(t, b.Free(q))
}

func testUsableSize(t *testing.T, b backend.Backend) {
	us, ok := b.(backend.UsableSizer)
	if !ok {
		t.Skip("backend does not report usable sizes")
	}
	p, err := b.Malloc(100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, us.UsableSize(p), 100)
	require.NoError(t, b.Free(p))
}

func testConcurrent(t *testing.T, b backend.Backend) {
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w)))
			type live struct {
				p    unsafe.Pointer
				size int
				seed byte
			}
			var blocks []live
			for i := 0; i < 500; i++ {
				switch op := rng.Intn(4); {
				case op < 2 || len(blocks) == 0:
					size := 1 + rng.Intn(512)
					p, err := b.AlignedAlloc(16<<rng.Intn(3), size)
					if err != nil {
						return err
					}
					seed := byte(rng.Intn(256))
					Fill(p, size, seed)
					blocks = append(blocks, live{p, size, seed})
				case op == 2:
					i := rng.Intn(len(blocks))
					l := blocks[i]
					size := 1 + rng.Intn(1024)
					p, err := b.Realloc(l.p, size)
					if err != nil {
						return err
					}
					if at := Verify(p, min(l.size, size), l.seed); at >= 0 {
						return fmt.Errorf("worker %d: realloc lost byte %d", w, at)
					}
					Fill(p, size, l.seed)
					blocks[i] = live{p, size, l.seed}
				default:
					i := rng.Intn(len(blocks))
					l := blocks[i]
					if at := Verify(l.p, l.size, l.seed); at >= 0 {
						return fmt.Errorf("worker %d: block corrupted at byte %d", w, at)
					}
					if err := b.Free(l.p); err != nil {
						return err
					}
					blocks = append(blocks[:i], blocks[i+1:]...)
				}
			}
			for _, l := range blocks {
				if err := b.Free(l.p); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
