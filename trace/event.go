package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	gojson "github.com/goccy/go-json"
	"github.com/zeebo/xxh3"

	"github.com/hupe1980/cshim"
)

var (
	// ErrInvalidFormat is returned for streams that are not traces.
	ErrInvalidFormat = errors.New("trace: invalid format")
	// ErrChecksum is returned when a frame does not match its checksum.
	ErrChecksum = errors.New("trace: checksum mismatch")
	// ErrFrameTooLarge is returned for frames above maxFrameLen.
	ErrFrameTooLarge = errors.New("trace: frame too large")
)

const (
	frameHeaderLen = 12 // payload length (4) + xxh3 (8)
	maxFrameLen    = 1 << 20
)

// Event is one recorded backend call. Addresses are only identities: replay
// maps them to the handles it obtains itself.
type Event struct {
	Seq       uint64   `json:"seq"`
	Op        cshim.Op `json:"op"`
	Ptr       uint64   `json:"ptr,omitempty"`
	Size      int      `json:"size,omitempty"`
	Count     int      `json:"count,omitempty"`
	Alignment int      `json:"alignment,omitempty"`
	OldSize   int      `json:"old_size,omitempty"`
	Flags     uint32   `json:"flags,omitempty"`
	Result    uint64   `json:"result,omitempty"`
	Err       string   `json:"err,omitempty"`
}

// Failed reports whether the recorded call returned an error.
func (e Event) Failed() bool { return e.Err != "" }

func appendFrame(dst []byte, ev *Event) ([]byte, error) {
	payload, err := gojson.Marshal(ev)
	if err != nil {
		return dst, fmt.Errorf("failed to encode trace event: %w", err)
	}

	var hdr [frameHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload))) //nolint:gosec // events are small
	binary.LittleEndian.PutUint64(hdr[4:12], xxh3.Hash(payload))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

func readFrame(r io.Reader, buf []byte, ev *Event) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return buf, fmt.Errorf("trace: truncated frame header: %w", err)
		}
		return buf, err // io.EOF on a frame boundary
	}

	n := binary.LittleEndian.Uint32(hdr[0:4])
	if n > maxFrameLen {
		return buf, ErrFrameTooLarge
	}
	if cap(buf) < int(n) {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		return buf, fmt.Errorf("trace: truncated frame: %w", err)
	}
	if xxh3.Hash(buf) != binary.LittleEndian.Uint64(hdr[4:12]) {
		return buf, ErrChecksum
	}

	*ev = Event{}
	if err := gojson.Unmarshal(buf, ev); err != nil {
		return buf, fmt.Errorf("failed to decode trace event: %w", err)
	}
	return buf, nil
}
