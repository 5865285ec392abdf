// Package dbformat defines the full key layout shared by the write buffer,
// SSTables and iterators.
//
// A full key is the user key followed by an 8-byte little-endian trailer
// packing (epoch << 8 | kind). Full keys order by user key ascending and
// then by trailer descending, so the newest version of a key sorts first.
package dbformat

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aalhour/epochkv/internal/encoding"
)

// Epoch totally orders committed writes. Only the low 56 bits are usable.
type Epoch uint64

const (
	// MaxEpoch is the largest epoch that fits in a key trailer.
	MaxEpoch Epoch = (1 << 56) - 1

	// NoEpoch means nothing has been committed yet.
	NoEpoch Epoch = 0

	// TrailerLen is the size of the trailer appended to every user key.
	TrailerLen = 8
)

// Kind distinguishes values from tombstones.
type Kind uint8

const (
	KindDelete Kind = 0x0
	KindPut    Kind = 0x1

	// kindForSeek is the largest kind; a seek key built with it sorts
	// before every real entry of the same user key and epoch.
	kindForSeek Kind = KindPut
)

// ErrBadFullKey is returned for keys shorter than the trailer or carrying an
// unknown kind.
var ErrBadFullKey = errors.New("dbformat: malformed full key")

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "DEL"
	case KindPut:
		return "PUT"
	}
	return fmt.Sprintf("KIND(%d)", k)
}

func packTrailer(e Epoch, k Kind) uint64 {
	return uint64(e)<<8 | uint64(k)
}

// FullKey is an encoded user key plus trailer.
type FullKey []byte

// MakeFullKey encodes a full key. REQUIRES: e <= MaxEpoch.
func MakeFullKey(userKey []byte, e Epoch, k Kind) FullKey {
	return AppendFullKey(make([]byte, 0, len(userKey)+TrailerLen), userKey, e, k)
}

// AppendFullKey appends the encoding to dst.
func AppendFullKey(dst []byte, userKey []byte, e Epoch, k Kind) []byte {
	dst = append(dst, userKey...)
	return encoding.AppendFixed64(dst, packTrailer(e, k))
}

// SeekKey returns the smallest full key for userKey visible at epoch e:
// seeking to it lands on the newest entry with epoch <= e.
func SeekKey(userKey []byte, e Epoch) FullKey {
	return MakeFullKey(userKey, e, kindForSeek)
}

// ParsedKey is a decoded full key. UserKey aliases the input.
type ParsedKey struct {
	UserKey []byte
	Epoch   Epoch
	Kind    Kind
}

func (p ParsedKey) String() string {
	return fmt.Sprintf("%q@%d:%s", p.UserKey, p.Epoch, p.Kind)
}

// Parse decodes a full key.
func Parse(key []byte) (ParsedKey, error) {
	if len(key) < TrailerLen {
		return ParsedKey{}, ErrBadFullKey
	}
	n := len(key) - TrailerLen
	trailer := encoding.DecodeFixed64(key[n:])
	kind := Kind(trailer & 0xff)
	if kind != KindDelete && kind != KindPut {
		return ParsedKey{}, ErrBadFullKey
	}
	return ParsedKey{UserKey: key[:n], Epoch: Epoch(trailer >> 8), Kind: kind}, nil
}

// UserKey strips the trailer. REQUIRES: len(key) >= TrailerLen.
func UserKey(key []byte) []byte {
	return key[:len(key)-TrailerLen]
}

// EpochOf returns the epoch in the trailer.
func EpochOf(key []byte) Epoch {
	return Epoch(encoding.DecodeFixed64(key[len(key)-TrailerLen:]) >> 8)
}

// KindOf returns the kind in the trailer.
func KindOf(key []byte) Kind {
	return Kind(key[len(key)-TrailerLen])
}

func (k FullKey) UserKey() []byte { return UserKey(k) }
func (k FullKey) Epoch() Epoch    { return EpochOf(k) }
func (k FullKey) Kind() Kind      { return KindOf(k) }

// Compare orders full keys: user key ascending, then trailer descending.
func Compare(a, b []byte) int {
	if c := bytes.Compare(UserKey(a), UserKey(b)); c != 0 {
		return c
	}
	ta := encoding.DecodeFixed64(a[len(a)-TrailerLen:])
	tb := encoding.DecodeFixed64(b[len(b)-TrailerLen:])
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	}
	return 0
}

// KeyRange is a half-open user-key range [Start, End).
type KeyRange struct {
	Start []byte
	End   []byte // exclusive; nil means unbounded
}

// Contains reports whether userKey falls in [Start, End).
func (r KeyRange) Contains(userKey []byte) bool {
	if bytes.Compare(userKey, r.Start) < 0 {
		return false
	}
	return r.End == nil || bytes.Compare(userKey, r.End) < 0
}

// Overlaps reports whether two half-open ranges intersect.
func (r KeyRange) Overlaps(o KeyRange) bool {
	if r.End != nil && bytes.Compare(r.End, o.Start) <= 0 {
		return false
	}
	if o.End != nil && bytes.Compare(o.End, r.Start) <= 0 {
		return false
	}
	return true
}

// IntersectsInclusive reports whether [smallest, largest] (both inclusive, as
// stored in SSTable metadata) intersects r.
func (r KeyRange) IntersectsInclusive(smallest, largest []byte) bool {
	if bytes.Compare(largest, r.Start) < 0 {
		return false
	}
	return r.End == nil || bytes.Compare(smallest, r.End) < 0
}

func (r KeyRange) String() string {
	if r.End == nil {
		return fmt.Sprintf("[%x, +inf)", r.Start)
	}
	return fmt.Sprintf("[%x, %x)", r.Start, r.End)
}

// PrefixSuccessor returns the smallest key greater than every key with the
// given prefix, or nil if the prefix is all 0xff.
func PrefixSuccessor(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
