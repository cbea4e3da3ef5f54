package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

var (
	traceMagic          = [4]byte{'C', 'S', 'T', '0'}
	traceHeaderVersion  = uint16(1)
	traceHeaderFixedLen = 16
)

// Codec selects how the event stream is compressed.
type Codec uint8

const (
	// CodecRaw stores frames uncompressed.
	CodecRaw Codec = iota
	// CodecZstd compresses the stream with zstd.
	CodecZstd
	// CodecLZ4 compresses the stream with the lz4 frame format.
	CodecLZ4
)

func (c Codec) String() string {
	switch c {
	case CodecRaw:
		return "raw"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	}
	return fmt.Sprintf("Codec(%d)", uint8(c))
}

// ParseCodec returns the codec named name ("raw", "zstd" or "lz4").
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "raw", "none", "":
		return CodecRaw, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	}
	return 0, fmt.Errorf("trace: unknown codec %q", name)
}

type headerInfo struct {
	Codec Codec
	Level int
}

func writeHeader(w io.Writer, info headerInfo) error {
	buf := make([]byte, 0, traceHeaderFixedLen)
	buf = append(buf, traceMagic[:]...)
	var fixed [12]byte
	binary.LittleEndian.PutUint16(fixed[0:2], traceHeaderVersion)
	fixed[2] = byte(info.Codec)
	fixed[3] = uint8(info.Level) //nolint:gosec // level is 0..22
	// fixed[4:12] reserved
	buf = append(buf, fixed[:]...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write trace header: %w", err)
	}
	return nil
}

func readHeader(r io.Reader) (headerInfo, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return headerInfo{}, fmt.Errorf("failed to read trace header magic: %w", err)
	}
	if magic != traceMagic {
		return headerInfo{}, ErrInvalidFormat
	}

	fixed := make([]byte, traceHeaderFixedLen-4)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return headerInfo{}, fmt.Errorf("failed to read trace header: %w", err)
	}

	version := binary.LittleEndian.Uint16(fixed[0:2])
	if version != traceHeaderVersion {
		return headerInfo{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, version)
	}
	codec := Codec(fixed[2])
	if codec > CodecLZ4 {
		return headerInfo{}, fmt.Errorf("%w: unknown codec %d", ErrInvalidFormat, fixed[2])
	}
	return headerInfo{Codec: codec, Level: int(fixed[3])}, nil
}
