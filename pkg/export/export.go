// Package export moves the contents of a store to and from a portable
// snapshot stream.
//
// A snapshot is an 8-byte header followed by frames. The header is the
// magic "CTRX", a little-endian uint16 version, the compression codec and
// one reserved byte. Each frame is
//
//	rawLen uint32 | storedLen uint32 | xxh3(raw) uint64 | stored bytes
//
// where raw is a run of records encoded as uvarint key length, key,
// uvarint value length, value. A frame with both lengths zero ends the
// stream.
package export

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/xxh3"

	"github.com/KevoDB/ctree/pkg/common/log"
	"github.com/KevoDB/ctree/pkg/compression"
)

const (
	// Magic starts every snapshot
	Magic = "CTRX"
	// Version is the snapshot format version written by Dump
	Version = 1

	headerSize      = 8
	frameHeaderSize = 16

	// DefaultFrameSize is the raw size at which Dump closes a frame
	DefaultFrameSize = 1 << 20
	// MaxFrameSize bounds the frames Load accepts
	MaxFrameSize = 64 << 20
)

var (
	ErrBadMagic           = errors.New("not a ctree snapshot")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
	ErrChecksumMismatch   = errors.New("snapshot frame checksum mismatch")
	ErrCorruptFrame       = errors.New("corrupt snapshot frame")
)

// Source is anything that can list its keys and values in order
type Source interface {
	Walk(fn func(key string, value []byte) error) error
}

// Sink receives the records of a snapshot inside one bulk session
type Sink interface {
	StartBulk() error
	Set(key string, value []byte) error
	StopBulk() error
}

// Stats summarizes a dump or load
type Stats struct {
	Records     int64
	Frames      int
	RawBytes    int64
	StoredBytes int64
	Codec       compression.Codec
}

type options struct {
	frameSize int
	logger    log.Logger
}

// Option configures Dump and Load
type Option func(*options)

// WithFrameSize sets the raw frame size used by Dump
func WithFrameSize(n int) Option {
	return func(o *options) {
		o.frameSize = n
	}
}

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) *options {
	o := &options{frameSize: DefaultFrameSize}
	for _, opt := range opts {
		opt(o)
	}
	if o.frameSize <= 0 || o.frameSize > MaxFrameSize {
		o.frameSize = DefaultFrameSize
	}
	o.logger = log.Component(o.logger, "export")
	return o
}

// Dump writes every record of src to w
func Dump(src Source, w io.Writer, codec compression.Codec, opts ...Option) (*Stats, error) {
	o := newOptions(opts)
	if !codec.Valid() {
		return nil, fmt.Errorf("%w: %v", compression.ErrUnknownCodec, codec)
	}

	bw := bufio.NewWriter(w)
	header := make([]byte, headerSize)
	copy(header, Magic)
	binary.LittleEndian.PutUint16(header[4:], Version)
	header[6] = byte(codec)
	if _, err := bw.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write snapshot header: %w", err)
	}

	stats := &Stats{Codec: codec}
	raw := make([]byte, 0, o.frameSize)

	err := src.Walk(func(key string, value []byte) error {
		raw = binary.AppendUvarint(raw, uint64(len(key)))
		raw = append(raw, key...)
		raw = binary.AppendUvarint(raw, uint64(len(value)))
		raw = append(raw, value...)
		stats.Records++

		if len(raw) < o.frameSize {
			return nil
		}
		if err := writeFrame(bw, codec, raw, stats); err != nil {
			return err
		}
		raw = raw[:0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(raw) > 0 {
		if err := writeFrame(bw, codec, raw, stats); err != nil {
			return nil, err
		}
	}
	if _, err := bw.Write(make([]byte, frameHeaderSize)); err != nil {
		return nil, fmt.Errorf("failed to write end of snapshot: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush snapshot: %w", err)
	}

	o.logger.WithFields(map[string]interface{}{
		"records": stats.Records,
		"frames":  stats.Frames,
		"raw":     stats.RawBytes,
		"stored":  stats.StoredBytes,
	}).Debug("dumped snapshot")
	return stats, nil
}

func writeFrame(w io.Writer, codec compression.Codec, raw []byte, stats *Stats) error {
	if len(raw) > MaxFrameSize {
		return fmt.Errorf("%w: %d raw bytes exceed the frame limit", ErrCorruptFrame, len(raw))
	}
	stored, err := compression.Compress(codec, raw)
	if err != nil {
		return fmt.Errorf("failed to compress frame: %w", err)
	}

	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(stored)))
	binary.LittleEndian.PutUint64(hdr[8:], xxh3.Hash(raw))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(stored); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	stats.Frames++
	stats.RawBytes += int64(len(raw))
	stats.StoredBytes += int64(len(stored))
	return nil
}

// Load reads a snapshot from r and stores every record in dst within a
// single bulk session. Records applied before an error stay applied.
func Load(r io.Reader, dst Sink, opts ...Option) (_ *Stats, err error) {
	o := newOptions(opts)
	br := bufio.NewReader(r)

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if string(header[:4]) != Magic {
		return nil, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(header[4:]); v == 0 || v > Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	codec := compression.Codec(header[6])
	if !codec.Valid() {
		return nil, fmt.Errorf("%w: %v", compression.ErrUnknownCodec, codec)
	}

	if err := dst.StartBulk(); err != nil {
		return nil, err
	}
	defer func() {
		if serr := dst.StopBulk(); serr != nil && err == nil {
			err = serr
		}
	}()

	stats := &Stats{Codec: codec}
	var hdr [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated frame header: %v", ErrCorruptFrame, err)
		}
		rawLen := binary.LittleEndian.Uint32(hdr[0:])
		storedLen := binary.LittleEndian.Uint32(hdr[4:])
		sum := binary.LittleEndian.Uint64(hdr[8:])
		if rawLen == 0 && storedLen == 0 {
			break
		}
		if rawLen > MaxFrameSize || storedLen > MaxFrameSize {
			return nil, fmt.Errorf("%w: frame of %d/%d bytes", ErrCorruptFrame, rawLen, storedLen)
		}

		stored := make([]byte, storedLen)
		if _, err := io.ReadFull(br, stored); err != nil {
			return nil, fmt.Errorf("%w: truncated frame: %v", ErrCorruptFrame, err)
		}
		raw, err := compression.Decompress(codec, stored)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
		}
		if len(raw) != int(rawLen) {
			return nil, fmt.Errorf("%w: frame decoded to %d bytes, expected %d", ErrCorruptFrame, len(raw), rawLen)
		}
		if xxh3.Hash(raw) != sum {
			return nil, fmt.Errorf("%w: frame %d", ErrChecksumMismatch, stats.Frames)
		}

		n, err := replay(raw, dst)
		stats.Records += n
		if err != nil {
			return nil, err
		}
		stats.Frames++
		stats.RawBytes += int64(rawLen)
		stats.StoredBytes += int64(storedLen)
	}

	o.logger.WithFields(map[string]interface{}{
		"records": stats.Records,
		"frames":  stats.Frames,
	}).Debug("loaded snapshot")
	return stats, nil
}

// replay decodes the records of one frame into dst
func replay(raw []byte, dst Sink) (int64, error) {
	var n int64
	for len(raw) > 0 {
		key, rest, err := field(raw)
		if err != nil {
			return n, err
		}
		value, rest, err := field(rest)
		if err != nil {
			return n, err
		}
		if err := dst.Set(string(key), value); err != nil {
			return n, fmt.Errorf("failed to load %q: %w", key, err)
		}
		n++
		raw = rest
	}
	return n, nil
}

func field(b []byte) ([]byte, []byte, error) {
	l, k := binary.Uvarint(b)
	if k <= 0 || uint64(len(b)-k) < l {
		return nil, nil, fmt.Errorf("%w: bad record length", ErrCorruptFrame)
	}
	end := k + int(l)
	return b[k:end], b[end:], nil
}
