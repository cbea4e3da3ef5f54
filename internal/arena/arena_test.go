package arena

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"unsafe"

	"github.com/hupe1980/cshim/internal/mem"
	"github.com/hupe1980/cshim/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newArena(t testing.TB, chunkSize int, opts ...Option) *Arena {
	t.Helper()
	a, err := New(chunkSize, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func bytesAt(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

func TestArena_New(t *testing.T) {
	t.Run("default chunk size", func(t *testing.T) {
		a := newArena(t, 0)
		assert.Equal(t, DefaultChunkSize, a.ChunkSize())
		assert.Equal(t, DefaultAlignment, a.alignment)
		assert.NotNil(t, a.current.Load())
		assert.Equal(t, uint32(1), a.Generation())
	})

	t.Run("rounded to power of two", func(t *testing.T) {
		a := newArena(t, 100_000)
		assert.Equal(t, 131072, a.ChunkSize())
	})

	t.Run("acquirer rejects first chunk", func(t *testing.T) {
		rc := resource.NewController(resource.Config{MemoryLimitBytes: 1024})
		_, err := New(DefaultChunkSize, WithMemoryAcquirer(rc))
		assert.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)
		assert.Equal(t, int64(0), rc.MemoryUsage())
	})
}

func TestArena_Alloc(t *testing.T) {
	t.Run("zero filled", func(t *testing.T) {
		a := newArena(t, 4096)

		p, err := a.Alloc(100, 0)
		require.NoError(t, err)
		require.NotNil(t, p)
		for i, b := range bytesAt(p, 100) {
			if b != 0 {
				t.Fatalf("byte at index %d not zero: %d", i, b)
			}
		}
	})

	t.Run("zero size", func(t *testing.T) {
		a := newArena(t, 4096)
		p, err := a.Alloc(0, 0)
		assert.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("alignment", func(t *testing.T) {
		a := newArena(t, 1<<16)

		for _, align := range []int{0, 8, 16, 64, 256, 4096} {
			for _, size := range []int{1, 3, 17, 100} {
				p, err := a.Alloc(size, align)
				require.NoError(t, err)
				assert.True(t, mem.IsAligned(p, max(align, DefaultAlignment)), "size=%d align=%d", size, align)
			}
		}
	})

	t.Run("invalid alignment", func(t *testing.T) {
		a := newArena(t, 4096)
		_, err := a.Alloc(8, 48)
		assert.ErrorIs(t, err, ErrInvalidAlignment)
	})

	t.Run("multiple chunks", func(t *testing.T) {
		a := newArena(t, 4096)

		seen := make(map[uintptr]bool)
		for i := 0; i < 200; i++ {
			p, err := a.Alloc(64, 0)
			require.NoError(t, err)
			require.False(t, seen[uintptr(p)], "duplicate block")
			seen[uintptr(p)] = true
			bytesAt(p, 64)[63] = byte(i)
		}

		stats := a.Stats()
		assert.Greater(t, stats.ChunksAllocated, uint64(1))
		assert.Equal(t, uint64(200), stats.TotalAllocs)
		assert.Equal(t, uint64(200*64), stats.BytesUsed)
	})

	t.Run("dedicated chunk", func(t *testing.T) {
		a := newArena(t, 4096)

		p, err := a.Alloc(64*1024, 128)
		require.NoError(t, err)
		assert.True(t, mem.IsAligned(p, 128))
		b := bytesAt(p, 64*1024)
		b[0], b[len(b)-1] = 1, 2

		stats := a.Stats()
		assert.Equal(t, uint64(1), stats.DedicatedChunks)
		assert.Equal(t, uint64(2), stats.ActiveChunks)

		require.NoError(t, a.Free(p))
		stats = a.Stats()
		assert.Equal(t, uint64(0), stats.DedicatedChunks)
		assert.Equal(t, uint64(1), stats.ActiveChunks)
		assert.Equal(t, uint64(a.ChunkSize()), stats.BytesReserved)
	})

	t.Run("closed", func(t *testing.T) {
		a := newArena(t, 4096)
		require.NoError(t, a.Close())
		_, err := a.Alloc(8, 0)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = a.Alloc(1<<20, 0)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestArena_Free(t *testing.T) {
	a := newArena(t, 4096)

	p, err := a.Alloc(32, 0)
	require.NoError(t, err)

	require.NoError(t, a.Free(nil))
	require.NoError(t, a.Free(p))
	assert.ErrorIs(t, a.Free(p), ErrInvalidPointer, "double free")

	var local [64]byte
	assert.ErrorIs(t, a.Free(unsafe.Pointer(&local[16])), ErrInvalidPointer, "foreign pointer")

	q, err := a.Alloc(32, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Free(unsafe.Add(q, 1)), ErrInvalidPointer, "interior pointer")

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.TotalFrees)
	assert.Equal(t, uint64(32), stats.BytesUsed)
}

func TestArena_Grow(t *testing.T) {
	t.Run("last block grows in place", func(t *testing.T) {
		a := newArena(t, 4096)

		p, err := a.Alloc(16, 0)
		require.NoError(t, err)
		copy(bytesAt(p, 16), "0123456789abcdef")

		ok, err := a.Grow(p, 1024)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "0123456789abcdef", string(bytesAt(p, 16)))

		size, err := a.Size(p)
		require.NoError(t, err)
		assert.Equal(t, 1024, size)
	})

	t.Run("shrink keeps capacity", func(t *testing.T) {
		a := newArena(t, 4096)

		p, err := a.Alloc(256, 0)
		require.NoError(t, err)
		ok, err := a.Grow(p, 10)
		require.NoError(t, err)
		assert.True(t, ok)

		size, err := a.Size(p)
		require.NoError(t, err)
		assert.Equal(t, 256, size)
		assert.Equal(t, uint64(10), a.Stats().BytesUsed)

		// Growing back within capacity never moves.
		ok, err = a.Grow(p, 200)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("non-last block must move", func(t *testing.T) {
		a := newArena(t, 4096)

		p, err := a.Alloc(16, 0)
		require.NoError(t, err)
		_, err = a.Alloc(16, 0)
		require.NoError(t, err)

		ok, err := a.Grow(p, 64)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("beyond chunk", func(t *testing.T) {
		a := newArena(t, 4096)

		p, err := a.Alloc(16, 0)
		require.NoError(t, err)
		ok, err := a.Grow(p, a.ChunkSize())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("freed block", func(t *testing.T) {
		a := newArena(t, 4096)

		p, err := a.Alloc(16, 0)
		require.NoError(t, err)
		require.NoError(t, a.Free(p))
		_, err = a.Grow(p, 32)
		assert.ErrorIs(t, err, ErrInvalidPointer)
	})
}

func TestArena_Reset(t *testing.T) {
	a := newArena(t, 4096)

	var first unsafe.Pointer
	for i := 0; i < 100; i++ {
		p, err := a.Alloc(100, 0)
		require.NoError(t, err)
		if i == 0 {
			first = p
		}
		b := bytesAt(p, 100)
		for j := range b {
			b[j] = 0xFF
		}
	}
	big, err := a.Alloc(1<<16, 0)
	require.NoError(t, err)

	gen := a.Generation()
	a.Reset()

	assert.Equal(t, gen+1, a.Generation())
	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.ActiveChunks)
	assert.Equal(t, uint64(a.ChunkSize()), stats.BytesReserved)
	assert.Equal(t, uint64(0), stats.BytesUsed)

	assert.ErrorIs(t, a.Free(first), ErrInvalidPointer)
	assert.ErrorIs(t, a.Free(big), ErrInvalidPointer)

	// The reused chunk hands out zeroed memory again.
	p, err := a.Alloc(100, 0)
	require.NoError(t, err)
	for i, b := range bytesAt(p, 100) {
		if b != 0 {
			t.Fatalf("byte %d not zero after reset", i)
		}
	}
}

func TestArena_MemoryAcquirer(t *testing.T) {
	cs := int64(max(4096, os.Getpagesize()))
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 3 * cs})
	a := newArena(t, int(cs), WithMemoryAcquirer(rc))
	assert.Equal(t, cs, rc.MemoryUsage())

	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		_, err = a.Alloc(1024, 0)
	}
	assert.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)
	assert.Equal(t, 3*cs, rc.MemoryUsage())

	a.Reset()
	assert.Equal(t, cs, rc.MemoryUsage())

	require.NoError(t, a.Close())
	assert.Equal(t, int64(0), rc.MemoryUsage())
}

func TestArena_Concurrent(t *testing.T) {
	a := newArena(t, 8192)

	const goroutines, perG = 8, 500
	ptrs := make([][]unsafe.Pointer, goroutines)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				p, err := a.Alloc(24, 0)
				if err != nil {
					t.Error(err)
					return
				}
				bytesAt(p, 24)[0] = byte(g)
				ptrs[g] = append(ptrs[g], p)
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[uintptr]bool, goroutines*perG)
	for g, list := range ptrs {
		for _, p := range list {
			require.False(t, seen[uintptr(p)])
			seen[uintptr(p)] = true
			require.Equal(t, byte(g), bytesAt(p, 24)[0])
		}
	}

	for _, list := range ptrs {
		for _, p := range list {
			require.NoError(t, a.Free(p))
		}
	}
	assert.Equal(t, uint64(0), a.Stats().BytesUsed)
}

func TestArena_String(t *testing.T) {
	a := newArena(t, 4096)
	_, err := a.Alloc(1000, 0)
	require.NoError(t, err)
	assert.Contains(t, a.String(), "Arena{chunks: 1")
	assert.Greater(t, a.Usage(), 0.0)
}

func BenchmarkArenaAlloc(b *testing.B) {
	for _, size := range []int{16, 256, 4096} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			a := newArena(b, DefaultChunkSize)
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := a.Alloc(size, 0); err != nil {
					b.Fatal(err)
				}
				if i%4096 == 4095 {
					a.Reset()
				}
			}
		})
	}
}
