// Package compression compresses SSTable blocks.
//
// Every block is stored with a one-byte type followed by the (possibly
// compressed) payload. A block whose compressed form is not smaller than
// the raw form is stored uncompressed, so readers must honor the per-block
// type rather than the table-level setting.
package compression

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/aalhour/epochkv/internal/encoding"
)

// Type represents a compression algorithm.
type Type uint8

const (
	NoCompression     Type = 0x0
	SnappyCompression Type = 0x1
	LZ4Compression    Type = 0x4
	ZstdCompression   Type = 0x7
)

// ErrCorrupt is returned when a compressed payload cannot be decoded.
var ErrCorrupt = errors.New("compression: corrupt payload")

// String returns the configuration name of the compression type.
func (t Type) String() string {
	switch t {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case LZ4Compression:
		return "lz4"
	case ZstdCompression:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// ParseType parses a configuration name.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "lz4":
		return LZ4Compression, nil
	case "zstd":
		return ZstdCompression, nil
	}
	return NoCompression, fmt.Errorf("compression: unknown type %q", s)
}

// MarshalText lets Type appear by name in YAML and JSON.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress compresses data with t.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		return snappy.Encode(nil, data), nil
	case LZ4Compression:
		return compressLZ4(data)
	case ZstdCompression:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

// LZ4 blocks do not record their decoded size, so it is prefixed as a varint.
func compressLZ4(data []byte) ([]byte, error) {
	var c lz4.Compressor
	out := encoding.AppendVarint64(nil, uint64(len(data)))
	hdr := len(out)
	out = append(out, make([]byte, lz4.CompressBlockBound(len(data)))...)
	n, err := c.CompressBlock(data, out[hdr:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		// Incompressible. A body whose length equals the decoded size is
		// read back as raw bytes.
		return append(out[:hdr:hdr], data...), nil
	}
	return out[:hdr+n], nil
}

// Decompress decompresses data produced by Compress(t, ...).
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrCorrupt, err)
		}
		return out, nil
	case LZ4Compression:
		return decompressLZ4(data)
	case ZstdCompression:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

func decompressLZ4(data []byte) ([]byte, error) {
	size, n, err := encoding.DecodeVarint64(data)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4 header: %v", ErrCorrupt, err)
	}
	body := data[n:]
	if uint64(len(body)) == size {
		return body, nil
	}
	out := make([]byte, size)
	m, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
	}
	if uint64(m) != size {
		return nil, fmt.Errorf("%w: lz4 size mismatch", ErrCorrupt)
	}
	return out, nil
}
