// Package trace records backend calls to a compact event stream and replays
// them on a facade.
//
// A trace starts with a 16 byte header (magic, version, codec) followed by
// the optionally compressed body: a sequence of frames, each a little-endian
// payload length, the xxh3 hash of the payload and a JSON-encoded Event.
package trace

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"unsafe"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/cshim"
	"github.com/hupe1980/cshim/backend"
)

// DefaultCompressionLevel is the zstd level used unless WithLevel is given.
const DefaultCompressionLevel = 3

type options struct {
	codec Codec
	level int
}

// Option configures a Recorder.
type Option func(*options)

// WithCodec selects the stream compression. The default is CodecZstd.
func WithCodec(c Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithLevel sets the zstd compression level (1-22).
func WithLevel(level int) Option {
	return func(o *options) {
		o.level = level
	}
}

type streamWriter interface {
	io.Writer
	Flush() error
}

// Recorder is a backend decorator that appends an Event for every call.
//
// Calls are serialized so the stream order matches the order in which the
// wrapped backend observed them. The first write error is kept and returned
// by Err, Flush and Close; recording stops, allocation continues.
type Recorder struct {
	b backend.Backend

	mu     sync.Mutex
	w      streamWriter
	finish func() error
	buf    []byte
	seq    uint64
	err    error
	closed bool
}

// NewRecorder writes the trace header to w and returns a recorder around b.
// w is not closed by the recorder.
func NewRecorder(b backend.Backend, w io.Writer, optFns ...Option) (*Recorder, error) {
	o := options{codec: CodecZstd, level: DefaultCompressionLevel}
	for _, fn := range optFns {
		fn(&o)
	}

	level := 0
	if o.codec == CodecZstd {
		level = o.level
	}
	if err := writeHeader(w, headerInfo{Codec: o.codec, Level: level}); err != nil {
		return nil, err
	}

	r := &Recorder{b: b}
	switch o.codec {
	case CodecRaw:
		bw := bufio.NewWriter(w)
		r.w, r.finish = bw, bw.Flush
	case CodecZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(o.level)))
		if err != nil {
			return nil, err
		}
		r.w, r.finish = enc, enc.Close
	case CodecLZ4:
		lw := lz4.NewWriter(w)
		r.w, r.finish = lw, lw.Close
	default:
		return nil, ErrInvalidFormat
	}
	return r, nil
}

func (r *Recorder) record(ev Event, p unsafe.Pointer, err error) {
	if r.err != nil || r.closed {
		return
	}

	r.seq++
	ev.Seq = r.seq
	ev.Result = uint64(uintptr(p))
	if err != nil {
		ev.Err = err.Error()
	}

	r.buf, r.err = appendFrame(r.buf[:0], &ev)
	if r.err == nil {
		_, r.err = r.w.Write(r.buf)
	}
}

func (r *Recorder) call(ev Event, fn func() (unsafe.Pointer, error)) (unsafe.Pointer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := fn()
	r.record(ev, p, err)
	return p, err
}

// Malloc implements backend.Backend.
func (r *Recorder) Malloc(size int) (unsafe.Pointer, error) {
	return r.call(Event{Op: cshim.OpMalloc, Size: size}, func() (unsafe.Pointer, error) {
		return r.b.Malloc(size)
	})
}

// Free implements backend.Backend.
func (r *Recorder) Free(p unsafe.Pointer) error {
	_, err := r.call(Event{Op: cshim.OpFree, Ptr: uint64(uintptr(p))}, func() (unsafe.Pointer, error) {
		return nil, r.b.Free(p)
	})
	return err
}

// Calloc implements backend.Backend.
func (r *Recorder) Calloc(count, size int) (unsafe.Pointer, error) {
	return r.call(Event{Op: cshim.OpCalloc, Count: count, Size: size}, func() (unsafe.Pointer, error) {
		return r.b.Calloc(count, size)
	})
}

// Realloc implements backend.Backend.
func (r *Recorder) Realloc(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	ev := Event{Op: cshim.OpRealloc, Ptr: uint64(uintptr(p)), Size: size}
	return r.call(ev, func() (unsafe.Pointer, error) {
		return r.b.Realloc(p, size)
	})
}

// AlignedAlloc implements backend.Backend.
func (r *Recorder) AlignedAlloc(alignment, size int) (unsafe.Pointer, error) {
	ev := Event{Op: cshim.OpAlignedAlloc, Alignment: alignment, Size: size}
	return r.call(ev, func() (unsafe.Pointer, error) {
		return r.b.AlignedAlloc(alignment, size)
	})
}

// AlignedCalloc implements backend.Backend.
func (r *Recorder) AlignedCalloc(alignment, count, size int) (unsafe.Pointer, error) {
	ev := Event{Op: cshim.OpAlignedCalloc, Alignment: alignment, Count: count, Size: size}
	return r.call(ev, func() (unsafe.Pointer, error) {
		return r.b.AlignedCalloc(alignment, count, size)
	})
}

// AlignedRealloc implements backend.Backend.
func (r *Recorder) AlignedRealloc(p unsafe.Pointer, alignment, size, oldSize int, flags backend.ReallocFlags) (unsafe.Pointer, error) {
	ev := Event{
		Op:        cshim.OpAlignedRealloc,
		Ptr:       uint64(uintptr(p)),
		Alignment: alignment,
		Size:      size,
		OldSize:   oldSize,
		Flags:     uint32(flags),
	}
	return r.call(ev, func() (unsafe.Pointer, error) {
		return r.b.AlignedRealloc(p, alignment, size, oldSize, flags)
	})
}

// ZeroesMemory implements backend.Zeroer.
func (r *Recorder) ZeroesMemory() bool { return backend.Zeroes(r.b) }

// Unwrap implements backend.Unwrapper.
func (r *Recorder) Unwrap() backend.Backend { return r.b }

// Events returns the number of recorded events.
func (r *Recorder) Events() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Err returns the first error encountered while writing.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Flush pushes buffered events to the underlying writer.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil && !r.closed {
		r.err = r.w.Flush()
	}
	return r.err
}

// Finish terminates the stream without closing the wrapped backend. Calls
// made afterwards are forwarded but not recorded.
func (r *Recorder) Finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.err
	}
	r.closed = true
	if err := r.finish(); err != nil && r.err == nil {
		r.err = err
	}
	return r.err
}

// Close finishes the stream and closes the wrapped backend.
func (r *Recorder) Close() error {
	return errors.Join(r.Finish(), backend.Close(r.b))
}

var (
	_ backend.Backend   = (*Recorder)(nil)
	_ backend.Zeroer    = (*Recorder)(nil)
	_ backend.Unwrapper = (*Recorder)(nil)
)
