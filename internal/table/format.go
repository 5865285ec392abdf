// Package table implements the SSTable format: building tables in memory,
// reading them from the object store with ranged reads, and caching open
// readers and decompressed blocks.
//
// Layout:
//
//	[data block 0] ... [data block N-1]
//	[filter block] [index block] [properties block]
//	[footer]
//
// Every block is followed by a 5-byte trailer: compression type (1 byte) and
// an xxh3-based checksum (fixed32) over the stored bytes plus the type byte.
// The filter, index and properties blocks are contiguous (the meta region)
// so a reader fetches them with one ranged read after reading the footer.
//
// The footer holds three fixed64 (offset, size) pairs for the filter, index
// and properties blocks followed by the 8-byte magic "EPOCHKV1".
package table

import (
	"errors"
	"fmt"

	"github.com/aalhour/epochkv/internal/block"
	"github.com/aalhour/epochkv/internal/checksum"
	"github.com/aalhour/epochkv/internal/compression"
	"github.com/aalhour/epochkv/internal/encoding"
)

const (
	// BlockTrailerSize is the size of the per-block trailer.
	BlockTrailerSize = 5

	// FooterSize is the encoded footer length.
	FooterSize = 3*16 + 8

	magic = "EPOCHKV1"
)

var (
	// ErrCorruption is returned when a table fails validation.
	ErrCorruption = errors.New("table: corruption")

	// ErrBadMagic is returned when the footer magic does not match.
	ErrBadMagic = fmt.Errorf("%w: bad magic number", ErrCorruption)

	// ErrChecksumMismatch is returned when a block checksum does not match.
	ErrChecksumMismatch = fmt.Errorf("%w: block checksum mismatch", ErrCorruption)
)

type footer struct {
	filter block.Handle
	index  block.Handle
	props  block.Handle
}

func (f *footer) encode() []byte {
	dst := make([]byte, 0, FooterSize)
	for _, h := range []block.Handle{f.filter, f.index, f.props} {
		dst = encoding.AppendFixed64(dst, h.Offset)
		dst = encoding.AppendFixed64(dst, h.Size)
	}
	return append(dst, magic...)
}

func decodeFooter(data []byte) (footer, error) {
	var f footer
	if len(data) != FooterSize {
		return f, fmt.Errorf("%w: footer is %d bytes", ErrCorruption, len(data))
	}
	if string(data[FooterSize-len(magic):]) != magic {
		return f, ErrBadMagic
	}
	hs := []*block.Handle{&f.filter, &f.index, &f.props}
	for i, h := range hs {
		h.Offset = encoding.DecodeFixed64(data[i*16:])
		h.Size = encoding.DecodeFixed64(data[i*16+8:])
	}
	return f, nil
}

// metaRegion returns the handle covering filter, index and properties.
func (f *footer) metaRegion() block.Handle {
	end := f.props.Offset + f.props.Size + BlockTrailerSize
	return block.Handle{Offset: f.filter.Offset, Size: end - f.filter.Offset}
}

// appendBlock compresses raw when that saves at least 1/8 of its size and
// appends the stored bytes plus trailer to dst. It returns the block handle.
func appendBlock(dst, raw []byte, t compression.Type) ([]byte, block.Handle, error) {
	stored, typ := raw, compression.NoCompression
	if t != compression.NoCompression {
		c, err := compression.Compress(t, raw)
		if err != nil {
			return dst, block.Handle{}, err
		}
		if len(c) < len(raw)-len(raw)/8 {
			stored, typ = c, t
		}
	}
	h := block.Handle{Offset: uint64(len(dst)), Size: uint64(len(stored))}
	dst = append(dst, stored...)
	dst = append(dst, byte(typ))
	dst = encoding.AppendFixed32(dst, checksum.Block(stored, byte(typ)))
	return dst, h, nil
}

// decodeBlock verifies the trailer of stored (block bytes plus trailer) and
// returns the decompressed contents.
func decodeBlock(stored []byte) ([]byte, error) {
	if len(stored) < BlockTrailerSize {
		return nil, fmt.Errorf("%w: short block", ErrCorruption)
	}
	n := len(stored) - BlockTrailerSize
	data, typ := stored[:n], stored[n]
	if !checksum.Verify(data, typ, encoding.DecodeFixed32(stored[n+1:])) {
		return nil, ErrChecksumMismatch
	}
	if compression.Type(typ) == compression.NoCompression {
		return data, nil
	}
	out, err := compression.Decompress(compression.Type(typ), data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	return out, nil
}

// sliceBlock returns the stored bytes of h (with trailer) from a region that
// starts at base.
func sliceBlock(region []byte, base uint64, h block.Handle) ([]byte, error) {
	start := h.Offset - base
	end := start + h.Size + BlockTrailerSize
	if h.Offset < base || end > uint64(len(region)) {
		return nil, fmt.Errorf("%w: block handle %d+%d out of range", ErrCorruption, h.Offset, h.Size)
	}
	return region[start:end], nil
}
