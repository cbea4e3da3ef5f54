package workload

import (
	"context"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cshim"
	"github.com/hupe1980/cshim/backend"
	"github.com/hupe1980/cshim/backend/arena"
	"github.com/hupe1980/cshim/backend/backendtest"
	"github.com/hupe1980/cshim/backend/checked"
	"github.com/hupe1980/cshim/backend/heap"
	"github.com/hupe1980/cshim/backend/limited"
	"github.com/hupe1980/cshim/backend/mmalloc"
	"github.com/hupe1980/cshim/internal/resource"
)

func TestRNG_Reset(t *testing.T) {
	rng := NewRNG(4711)
	a := []int{rng.Intn(1000), rng.Size(1 << 16), rng.Alignment()}
	rng.Reset()
	b := []int{rng.Intn(1000), rng.Size(1 << 16), rng.Alignment()}
	assert.Equal(t, a, b)
	assert.Equal(t, int64(4711), rng.Seed())
}

func TestRNG_Size(t *testing.T) {
	rng := NewRNG(1)
	small := 0
	for i := 0; i < 2000; i++ {
		s := rng.Size(4096)
		require.GreaterOrEqual(t, s, 1)
		require.LessOrEqual(t, s, 4096)
		if s <= 64 {
			small++
		}
	}
	assert.Greater(t, small, 500, "small sizes should dominate")
	assert.Equal(t, 1, rng.Size(1))
}

func TestRNG_Alignment(t *testing.T) {
	rng := NewRNG(2)
	for i := 0; i < 500; i++ {
		a := rng.Alignment()
		assert.True(t, a >= 8 && a <= 4096 && a&(a-1) == 0, "alignment %d", a)
	}
}

func TestRNG_Zipf(t *testing.T) {
	rng := NewRNG(3)
	counts := make([]int, 8)
	for i := 0; i < 4000; i++ {
		counts[rng.Zipf(8, 1.5)]++
	}
	assert.Greater(t, counts[0], counts[7])
	assert.Equal(t, 0, rng.Zipf(1, 1.0))
}

func TestRun(t *testing.T) {
	factories := map[string]func(t *testing.T) backend.Backend{
		"heap":    func(*testing.T) backend.Backend { return heap.New() },
		"mmalloc": func(*testing.T) backend.Backend { return mmalloc.New() },
		"arena": func(t *testing.T) backend.Backend {
			a, err := arena.New()
			require.NoError(t, err)
			return a
		},
		"dirty": func(*testing.T) backend.Backend { return backendtest.NewDirty(heap.New()) },
	}

	for name, newBackend := range factories {
		t.Run(name, func(t *testing.T) {
			c := checked.New(newBackend(t))
			f := cshim.New(c)
			defer f.Close()

			rep, err := Run(context.Background(), f, Config{Workers: 4, Ops: 4000, MaxSize: 8192, Seed: 42})
			require.NoError(t, err)
			assert.Equal(t, 4000, rep.Ops)
			assert.Zero(t, rep.OutOfMemory)
			assert.Positive(t, rep.PeakLive)
			assert.Len(t, rep.ByOp, len(cshim.Ops()))

			// Everything is released at the end of a run.
			assert.Zero(t, c.Live())
			assert.Zero(t, c.Rejected())
		})
	}
}

func TestRun_Budget(t *testing.T) {
	ctrl := resource.NewController(resource.Config{MemoryLimitBytes: 32 << 10})
	f := cshim.New(limited.New(heap.New(), ctrl))
	defer f.Close()

	// One worker keeps the live byte count in step with the budget.
	rep, err := Run(context.Background(), f, Config{Ops: 3000, MaxSize: 16 << 10, MaxLive: 512, Seed: 7})
	require.NoError(t, err)
	assert.Positive(t, rep.OutOfMemory)
	assert.LessOrEqual(t, rep.PeakLive, int64(32<<10))
}

// corrupting flips a byte of every block it reallocates.
type corrupting struct {
	backend.Backend
}

func (c corrupting) Realloc(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	q, err := c.Backend.Realloc(p, size)
	if err == nil && q != nil {
		*(*byte)(q) ^= 0xFF
	}
	return q, err
}

func TestRun_DetectsCorruption(t *testing.T) {
	f := cshim.New(corrupting{heap.New()})
	defer f.Close()

	_, err := Run(context.Background(), f, Config{Ops: 500, Seed: 1})
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := cshim.New(heap.New())
	defer f.Close()

	rep, err := Run(ctx, f, Config{Ops: 1000})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, rep.Ops)
}
