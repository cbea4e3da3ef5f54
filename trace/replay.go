package trace

import (
	"errors"
	"io"

	"github.com/hupe1980/cshim"
)

// Summary describes a replay.
type Summary struct {
	Events     int              `json:"events"`
	ByOp       map[cshim.Op]int `json:"by_op"`
	Mismatched int              `json:"mismatched"` // outcome differed from the recording
	Skipped    int              `json:"skipped"`    // referenced an address replay never saw
	Live       int              `json:"live"`       // blocks still allocated at the end
}

type replayer struct {
	f    *cshim.Facade
	live map[uint64]cshim.Handle
	sum  Summary
}

// Replay re-issues every event of r on f.
//
// Recorded addresses are mapped to the handles f returns, so the replayed
// heap follows the recorded one even when the backends differ. A call whose
// outcome differs from the recording is counted as mismatched and the replay
// keeps the recording's view of which blocks are live. Blocks still live at
// the end stay allocated on f.
func Replay(f *cshim.Facade, r *Reader) (Summary, error) {
	rp := &replayer{
		f:    f,
		live: make(map[uint64]cshim.Handle),
		sum:  Summary{ByOp: make(map[cshim.Op]int)},
	}

	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rp.sum, err
		}
		rp.sum.Events++
		rp.sum.ByOp[ev.Op]++
		rp.apply(ev)
	}

	rp.sum.Live = len(rp.live)
	return rp.sum, nil
}

func (rp *replayer) apply(ev Event) {
	f := rp.f
	switch ev.Op {
	case cshim.OpMalloc:
		h, err := f.Malloc(ev.Size)
		rp.allocated(ev, h, err)
	case cshim.OpCalloc:
		h, err := f.Calloc(ev.Count, ev.Size)
		rp.allocated(ev, h, err)
	case cshim.OpAlignedAlloc, cshim.OpPosixMemalign:
		h, err := f.AlignedAlloc(ev.Alignment, ev.Size)
		rp.allocated(ev, h, err)
	case cshim.OpAlignedCalloc:
		h, err := f.AlignedCalloc(ev.Alignment, ev.Count, ev.Size)
		rp.allocated(ev, h, err)
	case cshim.OpFree:
		h, ok := rp.live[ev.Ptr]
		if !ok || ev.Failed() {
			rp.sum.Skipped++
			return
		}
		delete(rp.live, ev.Ptr)
		f.Free(h)
	case cshim.OpRealloc, cshim.OpAlignedRealloc:
		var old cshim.Handle
		if ev.Ptr != 0 {
			h, ok := rp.live[ev.Ptr]
			if !ok {
				rp.sum.Skipped++
				return
			}
			old = h
		}

		var (
			h   cshim.Handle
			err error
		)
		if ev.Op == cshim.OpRealloc {
			h, err = f.Realloc(old, ev.Size)
		} else {
			h, err = f.AlignedRealloc(old, ev.Alignment, ev.Size, ev.OldSize)
		}
		rp.resized(ev, old, h, err)
	default:
		rp.sum.Skipped++
	}
}

func (rp *replayer) mismatch(ev Event, err error) bool {
	if ev.Failed() != (err != nil) {
		rp.sum.Mismatched++
		return true
	}
	return false
}

func (rp *replayer) allocated(ev Event, h cshim.Handle, err error) {
	rp.mismatch(ev, err)
	if err != nil || h.IsNil() {
		return
	}
	if ev.Result == 0 {
		// The recording never saw this block.
		rp.f.Free(h)
		return
	}
	rp.live[ev.Result] = h
}

func (rp *replayer) resized(ev Event, old, h cshim.Handle, err error) {
	rp.mismatch(ev, err)
	if ev.Ptr != 0 && err == nil {
		delete(rp.live, ev.Ptr)
	}

	switch {
	case err != nil:
		// old is still valid. If the recording moved it, follow the move.
		if !ev.Failed() && ev.Ptr != 0 {
			delete(rp.live, ev.Ptr)
			if ev.Result != 0 {
				rp.live[ev.Result] = old
			} else {
				rp.f.Free(old)
			}
		}
	case h.IsNil():
		// Size 0: freed.
	case ev.Failed():
		// The recording kept the old block.
		if ev.Ptr != 0 {
			rp.live[ev.Ptr] = h
		} else {
			rp.f.Free(h)
		}
	default:
		rp.live[ev.Result] = h
	}
}
