// Package block implements the prefix-compressed block format used for the
// data and index blocks of an SSTable.
//
// Entry layout:
//
//	shared_bytes:   varint32 (prefix shared with the previous key)
//	unshared_bytes: varint32
//	value_length:   varint32
//	key_delta:      char[unshared_bytes]
//	value:          char[value_length]
//
// Block layout:
//
//	[entry 1] ... [entry N]
//	[restart offset 1: fixed32] ... [restart offset M: fixed32]
//	[M: fixed32]
package block

import (
	"errors"

	"github.com/aalhour/epochkv/internal/encoding"
)

var (
	// ErrBadBlockHandle is returned when a block handle cannot be decoded.
	ErrBadBlockHandle = errors.New("block: bad block handle")

	// ErrBadBlock is returned when block contents are malformed.
	ErrBadBlock = errors.New("block: corrupted block")
)

// Handle locates a block inside an SSTable object.
type Handle struct {
	Offset uint64
	Size   uint64
}

// MaxEncodedLength is the largest possible encoding of a Handle.
const MaxEncodedLength = 2 * encoding.MaxVarint64Length

// EncodeTo appends the encoding of h to dst.
func (h Handle) EncodeTo(dst []byte) []byte {
	dst = encoding.AppendVarint64(dst, h.Offset)
	return encoding.AppendVarint64(dst, h.Size)
}

// DecodeHandle decodes a handle and returns the remaining bytes.
func DecodeHandle(data []byte) (Handle, []byte, error) {
	off, n1, err := encoding.DecodeVarint64(data)
	if err != nil {
		return Handle{}, nil, ErrBadBlockHandle
	}
	size, n2, err := encoding.DecodeVarint64(data[n1:])
	if err != nil {
		return Handle{}, nil, ErrBadBlockHandle
	}
	return Handle{Offset: off, Size: size}, data[n1+n2:], nil
}
