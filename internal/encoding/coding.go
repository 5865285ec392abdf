// Package encoding provides the fixed-width and varint primitives used by
// the block, table and manifest formats.
//
// Fixed-width integers are little-endian unless the name says BigEndian.
// Varints use 7-bit groups with an MSB continuation bit.
package encoding

import (
	"encoding/binary"
	"errors"
)

// MaxVarint64Length is the maximum number of bytes a varint64 can occupy.
const MaxVarint64Length = binary.MaxVarintLen64

var (
	// ErrVarintOverflow is returned when a varint exceeds 64 bits.
	ErrVarintOverflow = errors.New("encoding: varint overflow")

	// ErrVarintTermination is returned when the input ends inside a varint.
	ErrVarintTermination = errors.New("encoding: varint not terminated")

	// ErrShortSlice is returned when a length-prefixed slice is truncated.
	ErrShortSlice = errors.New("encoding: truncated slice")
)

func AppendFixed32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

func AppendFixed64(dst []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, v)
}

// DecodeFixed32 reads 4 little-endian bytes. REQUIRES: len(src) >= 4.
func DecodeFixed32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// DecodeFixed64 reads 8 little-endian bytes. REQUIRES: len(src) >= 8.
func DecodeFixed64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// AppendBigEndian32 appends v so that byte order matches numeric order.
func AppendBigEndian32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

// AppendBigEndian64 appends v so that byte order matches numeric order.
func AppendBigEndian64(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}

func AppendVarint32(dst []byte, v uint32) []byte {
	return binary.AppendUvarint(dst, uint64(v))
}

func AppendVarint64(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// DecodeVarint32 decodes a varint that must fit in 32 bits.
func DecodeVarint32(src []byte) (uint32, int, error) {
	v, n, err := DecodeVarint64(src)
	if err != nil {
		return 0, 0, err
	}
	if v > 0xffffffff {
		return 0, 0, ErrVarintOverflow
	}
	return uint32(v), n, nil
}

// DecodeVarint64 returns the value and the number of bytes consumed.
func DecodeVarint64(src []byte) (uint64, int, error) {
	v, n := binary.Uvarint(src)
	switch {
	case n == 0:
		return 0, 0, ErrVarintTermination
	case n < 0:
		return 0, 0, ErrVarintOverflow
	}
	return v, n, nil
}

// VarintLength returns the number of bytes needed to encode v as a varint.
func VarintLength(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendLengthPrefixedSlice appends varint(len(v)) followed by v.
func AppendLengthPrefixedSlice(dst, v []byte) []byte {
	dst = AppendVarint64(dst, uint64(len(v)))
	return append(dst, v...)
}

// DecodeLengthPrefixedSlice returns a sub-slice of src (not a copy).
func DecodeLengthPrefixedSlice(src []byte) ([]byte, int, error) {
	l, n, err := DecodeVarint64(src)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(src)-n) < l {
		return nil, 0, ErrShortSlice
	}
	end := n + int(l)
	return src[n:end], end, nil
}

// Slice is a forward-only decoder over a byte slice. Getters return false
// once the input is exhausted or malformed.
type Slice struct {
	data []byte
}

func NewSlice(data []byte) *Slice {
	return &Slice{data: data}
}

// Remaining returns the number of undecoded bytes.
func (s *Slice) Remaining() int {
	return len(s.data)
}

func (s *Slice) GetFixed32() (uint32, bool) {
	if len(s.data) < 4 {
		return 0, false
	}
	v := DecodeFixed32(s.data)
	s.data = s.data[4:]
	return v, true
}

func (s *Slice) GetFixed64() (uint64, bool) {
	if len(s.data) < 8 {
		return 0, false
	}
	v := DecodeFixed64(s.data)
	s.data = s.data[8:]
	return v, true
}

func (s *Slice) GetVarint32() (uint32, bool) {
	v, n, err := DecodeVarint32(s.data)
	if err != nil {
		return 0, false
	}
	s.data = s.data[n:]
	return v, true
}

func (s *Slice) GetVarint64() (uint64, bool) {
	v, n, err := DecodeVarint64(s.data)
	if err != nil {
		return 0, false
	}
	s.data = s.data[n:]
	return v, true
}

// GetLengthPrefixedSlice returns a copy so callers may retain it after the
// underlying buffer is reused.
func (s *Slice) GetLengthPrefixedSlice() ([]byte, bool) {
	v, n, err := DecodeLengthPrefixedSlice(s.data)
	if err != nil {
		return nil, false
	}
	s.data = s.data[n:]
	return append([]byte(nil), v...), true
}

func (s *Slice) GetByte() (byte, bool) {
	if len(s.data) == 0 {
		return 0, false
	}
	b := s.data[0]
	s.data = s.data[1:]
	return b, true
}
