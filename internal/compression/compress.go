// Package compression encodes object payloads for the content store.
// Every stored object starts with a fixed header naming the codec, so a
// repository can mix objects written under different settings.
package compression

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type is a configured compression algorithm.
type Type string

const (
	TypeNone Type = "none"
	TypeLZ4  Type = "lz4"
	TypeZstd Type = "zstd"
	TypeGzip Type = "gzip"
)

// ParseType parses a configuration value. Empty selects zstd.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case "", TypeZstd:
		return TypeZstd, nil
	case TypeLZ4:
		return TypeLZ4, nil
	case TypeGzip:
		return TypeGzip, nil
	case TypeNone:
		return TypeNone, nil
	default:
		return "", fmt.Errorf("invalid compression: %q (must be zstd, lz4, gzip, or none)", s)
	}
}

// Tag identifies the codec of one stored object. Tag values are part of
// the on-disk format.
type Tag uint8

const (
	TagNone Tag = 0
	TagLZ4  Tag = 1
	TagZstd Tag = 2
	TagGzip Tag = 3
)

func (t Tag) String() string {
	switch t {
	case TagNone:
		return "none"
	case TagLZ4:
		return "lz4"
	case TagZstd:
		return "zstd"
	case TagGzip:
		return "gzip"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t Type) tag() Tag {
	switch t {
	case TypeLZ4:
		return TagLZ4
	case TypeGzip:
		return TagGzip
	case TypeNone:
		return TagNone
	default:
		return TagZstd
	}
}

// HeaderSize is the length of the object header: one tag byte followed by
// the big-endian uncompressed size.
const HeaderSize = 9

// Header describes a framed object.
type Header struct {
	Tag  Tag
	Size int64
}

// ErrTruncated is returned for framed data shorter than HeaderSize.
var ErrTruncated = errors.New("object shorter than header")

var errIncompressible = errors.New("incompressible")

// ParseHeader decodes the header of framed object bytes.
func ParseHeader(framed []byte) (Header, error) {
	if len(framed) < HeaderSize {
		return Header{}, ErrTruncated
	}
	h := Header{Tag: Tag(framed[0]), Size: int64(binary.BigEndian.Uint64(framed[1:HeaderSize]))}
	if h.Tag > TagGzip {
		return Header{}, fmt.Errorf("unsupported compression tag %d", uint8(h.Tag))
	}
	if h.Size < 0 {
		return Header{}, fmt.Errorf("invalid uncompressed size %d", h.Size)
	}
	return h, nil
}

// Codec frames and compresses object payloads with one configured type.
type Codec struct {
	Type Type
}

// NewCodec creates a codec for the given type.
func NewCodec(t Type) *Codec {
	return &Codec{Type: t}
}

// Encode returns framed bytes for data. Data that does not shrink is stored
// uncompressed under TagNone.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	tag := c.Type.tag()
	payload, err := compress(data, tag)
	if errors.Is(err, errIncompressible) {
		tag, payload, err = TagNone, data, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, HeaderSize+len(payload))
	out[0] = byte(tag)
	binary.BigEndian.PutUint64(out[1:HeaderSize], uint64(len(data)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// Decode returns the uncompressed bytes of a framed object.
func Decode(framed []byte) ([]byte, error) {
	h, err := ParseHeader(framed)
	if err != nil {
		return nil, err
	}
	return decompress(framed[HeaderSize:], h.Tag, int(h.Size))
}

func compress(data []byte, tag Tag) ([]byte, error) {
	if len(data) == 0 {
		return nil, errIncompressible
	}
	switch tag {
	case TagNone:
		return data, nil
	case TagLZ4:
		return compressLZ4(data)
	case TagZstd:
		return compressZstd(data)
	case TagGzip:
		return compressGzip(data)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func decompress(payload []byte, tag Tag, size int) ([]byte, error) {
	switch tag {
	case TagNone:
		if len(payload) != size {
			return nil, fmt.Errorf("uncompressed object: size %d does not match header %d", len(payload), size)
		}
		return payload, nil
	case TagLZ4:
		return decompressLZ4(payload, size)
	case TagZstd:
		return decompressZstd(payload, size)
	case TagGzip:
		return decompressGzip(payload, size)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// Zero means the block is incompressible.
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompressLZ4(payload []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, header says %d", n, size)
	}
	return dst, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use by workers.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compression: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compression: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func decompressZstd(payload []byte, size int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, header says %d", len(out), size)
	}
	return out, nil
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	if buf.Len() >= len(data) {
		return nil, errIncompressible
	}
	return buf.Bytes(), nil
}

func decompressGzip(payload []byte, size int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer r.Close()

	out := bytes.NewBuffer(make([]byte, 0, size))
	// Read one byte past the header size to detect oversized streams.
	if _, err := io.Copy(out, io.LimitReader(r, int64(size)+1)); err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	if out.Len() != size {
		return nil, fmt.Errorf("gzip decompress: got %d bytes, header says %d", out.Len(), size)
	}
	return out.Bytes(), nil
}
