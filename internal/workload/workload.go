// Package workload drives a facade with reproducible random allocation
// traffic and checks every block it gets back.
//
// Each worker keeps its own set of live blocks. Blocks are filled with a
// position dependent pattern, so content lost by a reallocation or clobbered
// by an overlapping block is detected when the block is next touched.
package workload

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/cshim"
)

// ErrCorruption is returned when a block does not hold what the workload
// wrote or was promised.
var ErrCorruption = errors.New("workload: corruption detected")

// Config controls a run.
type Config struct {
	Workers int   // concurrent goroutines (default 1)
	Ops     int   // operations across all workers
	MaxSize int   // largest request in bytes (default 64 KiB)
	MaxLive int   // live blocks per worker before frees are forced (default 256)
	Seed    int64 // worker w uses Seed+w
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 64 << 10
	}
	if c.MaxLive <= 0 {
		c.MaxLive = 256
	}
	return c
}

// Report summarizes a run.
type Report struct {
	Ops         int              `json:"ops"`
	ByOp        map[cshim.Op]int `json:"by_op"`
	OutOfMemory int              `json:"out_of_memory"`
	Bytes       int64            `json:"bytes_requested"`
	PeakLive    int64            `json:"peak_live_bytes"`
	Duration    time.Duration    `json:"duration_ns"`
}

func (r *Report) merge(o *Report) {
	r.Ops += o.Ops
	r.OutOfMemory += o.OutOfMemory
	r.Bytes += o.Bytes
	for op, n := range o.ByOp {
		r.ByOp[op] += n
	}
}

type block struct {
	h     cshim.Handle
	size  int
	align int // 0 for naturally aligned blocks
	seed  byte
}

type liveBytes struct {
	cur  atomic.Int64
	peak atomic.Int64
}

func (l *liveBytes) add(n int) {
	cur := l.cur.Add(int64(n))
	for {
		peak := l.peak.Load()
		if cur <= peak || l.peak.CompareAndSwap(peak, cur) {
			return
		}
	}
}

type worker struct {
	id     int
	f      *cshim.Facade
	rng    *RNG
	cfg    Config
	live   *liveBytes
	blocks []block
	rep    Report
}

// Run issues cfg.Ops random operations on f and frees everything it still
// holds before returning. Out-of-memory failures are counted, every other
// failure aborts the run.
func Run(ctx context.Context, f *cshim.Facade, cfg Config) (Report, error) {
	cfg = cfg.withDefaults()
	start := time.Now()

	live := &liveBytes{}
	workers := make([]*worker, cfg.Workers)
	g, ctx := errgroup.WithContext(ctx)
	for i := range workers {
		w := &worker{
			id:   i,
			f:    f,
			rng:  NewRNG(cfg.Seed + int64(i)),
			cfg:  cfg,
			live: live,
			rep:  Report{ByOp: make(map[cshim.Op]int)},
		}
		workers[i] = w

		n := cfg.Ops / cfg.Workers
		if i < cfg.Ops%cfg.Workers {
			n++
		}
		g.Go(func() error { return w.run(ctx, n) })
	}
	err := g.Wait()

	rep := Report{ByOp: make(map[cshim.Op]int)}
	for _, w := range workers {
		w.release()
		rep.merge(&w.rep)
	}
	rep.PeakLive = live.peak.Load()
	rep.Duration = time.Since(start)
	return rep, err
}

func (w *worker) run(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := w.step(); err != nil {
			return fmt.Errorf("worker %d op %d: %w", w.id, i, err)
		}
	}
	return nil
}

func (w *worker) release() {
	for _, b := range w.blocks {
		w.f.Free(b.h)
		w.live.add(-b.size)
	}
	w.blocks = nil
}

func (w *worker) step() error {
	op := cshim.Op(w.rng.Intn(len(cshim.Ops())))
	if len(w.blocks) >= w.cfg.MaxLive {
		op = cshim.OpFree
	}
	if len(w.blocks) == 0 && (op == cshim.OpFree || op == cshim.OpRealloc || op == cshim.OpAlignedRealloc) {
		op = cshim.OpMalloc
	}

	w.rep.Ops++
	w.rep.ByOp[op]++

	switch op {
	case cshim.OpMalloc:
		size := w.rng.Size(w.cfg.MaxSize)
		h, err := w.f.Malloc(size)
		return w.allocated(h, size, 0, false, err)
	case cshim.OpCalloc:
		count := 1 + w.rng.Intn(16)
		size := max(1, w.rng.Size(w.cfg.MaxSize)/count)
		h, err := w.f.Calloc(count, size)
		return w.allocated(h, count*size, 0, true, err)
	case cshim.OpAlignedAlloc:
		align, size := w.rng.Alignment(), w.rng.Size(w.cfg.MaxSize)
		h, err := w.f.AlignedAlloc(align, size)
		return w.allocated(h, size, align, false, err)
	case cshim.OpPosixMemalign:
		align, size := w.rng.Alignment(), w.rng.Size(w.cfg.MaxSize)
		var h cshim.Handle
		err := w.f.PosixMemalign(&h, align, size)
		return w.allocated(h, size, align, false, err)
	case cshim.OpAlignedCalloc:
		align, count := w.rng.Alignment(), 1+w.rng.Intn(16)
		size := max(1, w.rng.Size(w.cfg.MaxSize)/count)
		h, err := w.f.AlignedCalloc(align, count, size)
		return w.allocated(h, count*size, align, true, err)
	case cshim.OpFree:
		i := w.rng.Intn(len(w.blocks))
		b := w.blocks[i]
		if err := w.verify(b, b.size); err != nil {
			return err
		}
		w.f.Free(b.h)
		w.live.add(-b.size)
		w.remove(i)
		return nil
	case cshim.OpRealloc:
		i := w.rng.Intn(len(w.blocks))
		size := w.rng.Size(w.cfg.MaxSize)
		b := w.blocks[i]
		h, err := w.f.Realloc(b.h, size)
		return w.resized(i, h, size, 0, err)
	case cshim.OpAlignedRealloc:
		i := w.rng.Intn(len(w.blocks))
		align, size := w.rng.Alignment(), w.rng.Size(w.cfg.MaxSize)
		b := w.blocks[i]
		h, err := w.f.AlignedRealloc(b.h, align, size, b.size)
		return w.resized(i, h, size, align, err)
	}
	return fmt.Errorf("unknown op %v", op)
}

func (w *worker) failed(err error) error {
	if errors.Is(err, cshim.ErrOutOfMemory) {
		w.rep.OutOfMemory++
		return nil
	}
	return err
}

func (w *worker) allocated(h cshim.Handle, size, align int, zeroed bool, err error) error {
	if err != nil {
		return w.failed(err)
	}
	if h.IsNil() {
		return fmt.Errorf("%w: nil handle for %d bytes", ErrCorruption, size)
	}
	want := align
	if want == 0 {
		want = cshim.NaturalAlignment
	}
	if !h.IsAligned(want) {
		return fmt.Errorf("%w: %v not aligned to %d", ErrCorruption, h, want)
	}
	if zeroed {
		for i, c := range h.Bytes(size) {
			if c != 0 {
				return fmt.Errorf("%w: byte %d of zeroed block %v is %#x", ErrCorruption, i, h, c)
			}
		}
	}

	b := block{h: h, size: size, align: align, seed: w.rng.Byte()}
	fill(b)
	w.blocks = append(w.blocks, b)
	w.live.add(size)
	w.rep.Bytes += int64(size)
	return nil
}

func (w *worker) resized(i int, h cshim.Handle, size, align int, err error) error {
	old := w.blocks[i]
	if err != nil {
		if ferr := w.failed(err); ferr != nil {
			return ferr
		}
		// The original block must have survived the failed call.
		return w.verify(old, old.size)
	}
	if align != 0 && !h.IsAligned(align) {
		return fmt.Errorf("%w: %v not aligned to %d", ErrCorruption, h, align)
	}

	b := block{h: h, size: size, align: align, seed: old.seed}
	if err := w.verify(b, min(old.size, size)); err != nil {
		return err
	}
	fill(b)
	w.blocks[i] = b
	w.live.add(size - old.size)
	w.rep.Bytes += int64(size)
	return nil
}

func (w *worker) remove(i int) {
	last := len(w.blocks) - 1
	w.blocks[i] = w.blocks[last]
	w.blocks = w.blocks[:last]
}

func (w *worker) verify(b block, n int) error {
	for i, c := range b.h.Bytes(n) {
		if c != pattern(b.seed, i) {
			return fmt.Errorf("%w: byte %d of %v", ErrCorruption, i, b.h)
		}
	}
	return nil
}

func pattern(seed byte, i int) byte { return seed + byte(i*7) }

func fill(b block) {
	buf := b.h.Bytes(b.size)
	for i := range buf {
		buf[i] = pattern(b.seed, i)
	}
}
