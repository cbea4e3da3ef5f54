package trace

import (
	"bufio"
	"errors"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/cshim/internal/mmap"
)

// Reader decodes a trace stream.
type Reader struct {
	hdr   headerInfo
	r     io.Reader
	close func() error
	buf   []byte
	n     uint64
}

// NewReader reads the trace header from r and prepares decoding. Close
// releases decoder resources; it does not close r.
func NewReader(r io.Reader) (*Reader, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	rd := &Reader{hdr: hdr, close: func() error { return nil }}
	switch hdr.Codec {
	case CodecRaw:
		rd.r = bufio.NewReader(r)
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		rd.r = dec
		rd.close = func() error {
			dec.Close()
			return nil
		}
	case CodecLZ4:
		rd.r = lz4.NewReader(r)
	}
	return rd, nil
}

// OpenFile maps the trace at path and returns a reader over it. Close
// unmaps the file.
func OpenFile(path string) (*Reader, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}

	region, err := m.Region(0, m.Size())
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	_ = region.Advise(mmap.AccessSequential)

	rd, err := NewReader(region.NewReader())
	if err != nil {
		_ = m.Close()
		return nil, err
	}

	closeDecoder := rd.close
	rd.close = func() error {
		return errors.Join(closeDecoder(), m.Close())
	}
	return rd, nil
}

// Codec returns the stream compression recorded in the header.
func (r *Reader) Codec() Codec { return r.hdr.Codec }

// Next decodes the next event. It returns io.EOF after the last one.
func (r *Reader) Next() (Event, error) {
	var ev Event
	buf, err := readFrame(r.r, r.buf, &ev)
	r.buf = buf
	if err != nil {
		return Event{}, err
	}
	r.n++
	return ev, nil
}

// Read returns how many events were decoded so far.
func (r *Reader) Read() uint64 { return r.n }

// All decodes the remaining events.
func (r *Reader) All() ([]Event, error) {
	var events []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

// Close releases the decoder.
func (r *Reader) Close() error { return r.close() }
