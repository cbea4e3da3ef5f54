package mem

import (
	"fmt"
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []int{1, 2, 4, 8, 16, 4096, 1 << 40} {
		assert.True(t, IsPowerOfTwo(n), "n=%d", n)
	}
	for _, n := range []int{0, -1, -8, 3, 6, 12, 24, 4095} {
		assert.False(t, IsPowerOfTwo(n), "n=%d", n)
	}
}

func TestValidAlignment(t *testing.T) {
	assert.True(t, ValidAlignment(PointerSize))
	assert.True(t, ValidAlignment(NaturalAlignment))
	assert.True(t, ValidAlignment(4096))

	assert.False(t, ValidAlignment(0))
	assert.False(t, ValidAlignment(1))
	assert.False(t, ValidAlignment(3))
	assert.False(t, ValidAlignment(24))
	if PointerSize == 8 {
		assert.False(t, ValidAlignment(4))
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		n, align, want int
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 16, 16},
		{100, 64, 128},
	}
	for _, tt := range tests {
		got, ok := AlignUp(tt.n, tt.align)
		assert.True(t, ok)
		assert.Equal(t, tt.want, got, "AlignUp(%d, %d)", tt.n, tt.align)
	}

	_, ok := AlignUp(math.MaxInt-2, 16)
	assert.False(t, ok)
}

func TestPadding(t *testing.T) {
	assert.Equal(t, 0, Padding(64, 64))
	assert.Equal(t, 63, Padding(65, 64))
	assert.Equal(t, 8, Padding(8, 16))
}

func TestCacheLine(t *testing.T) {
	cl := CacheLine()
	assert.True(t, IsPowerOfTwo(cl))
	assert.GreaterOrEqual(t, cl, 32)
}

func TestAllocAligned(t *testing.T) {
	sizes := []int{1, 10, 63, 64, 65, 100, 1024}
	aligns := []int{1, 8, 16, 64, 4096}

	for _, align := range aligns {
		for _, size := range sizes {
			buf := AllocAligned(size, align)
			assert.Len(t, buf, size)
			assert.Equal(t, size, cap(buf))
			assert.True(t, IsAligned(unsafe.Pointer(&buf[0]), align), "size=%d align=%d", size, align)
			for _, b := range buf {
				if b != 0 {
					t.Fatalf("size=%d align=%d: not zeroed", size, align)
				}
			}
		}
	}

	assert.Nil(t, AllocAligned(0, 16))
	assert.Nil(t, AllocAligned(-1, 16))
	assert.Nil(t, AllocAligned(16, 3))
	assert.Nil(t, AllocAligned(math.MaxInt, 16))
}

func BenchmarkAllocAligned(b *testing.B) {
	for _, size := range []int{64, 256, 1024, 4096} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = AllocAligned(size, 64)
			}
		})
	}
}
