// Package filter implements the cache-local bloom filter stored in every
// SSTable. All probes for a key land in one 64-byte cache line.
//
// Layout:
//
//	data[0:len-2]  filter bits, a whole number of 64-byte lines
//	data[len-2]    number of probes (0 means "contains nothing")
//	data[len-1]    format marker
package filter

import (
	"math"

	"github.com/aalhour/epochkv/internal/checksum"
)

const (
	lineBytes   = 64
	lineBits    = lineBytes * 8
	metadataLen = 2
	formatV1    = byte(0x01)
)

// Builder collects user-key hashes and emits a filter block.
type Builder struct {
	bitsPerKey int
	hashes     []uint64
	last       uint64
	hasLast    bool
}

// NewBuilder creates a builder. 10 bits per key gives roughly a 1% false
// positive rate.
func NewBuilder(bitsPerKey int) *Builder {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	return &Builder{bitsPerKey: bitsPerKey}
}

// AddKey adds a user key. Consecutive duplicates (several epochs of the same
// key) are recorded once.
func (b *Builder) AddKey(userKey []byte) {
	h := checksum.Hash64(userKey)
	if b.hasLast && h == b.last {
		return
	}
	b.hashes = append(b.hashes, h)
	b.last, b.hasLast = h, true
}

// NumKeys returns the number of distinct hashes collected.
func (b *Builder) NumKeys() int {
	return len(b.hashes)
}

// Finish returns the encoded filter and resets the builder.
func (b *Builder) Finish() []byte {
	defer func() {
		b.hashes = b.hashes[:0]
		b.hasLast = false
	}()
	if len(b.hashes) == 0 {
		return []byte{0, formatV1}
	}
	lines := (len(b.hashes)*b.bitsPerKey + lineBits - 1) / lineBits
	data := make([]byte, lines*lineBytes+metadataLen)
	probes := numProbes(b.bitsPerKey)
	for _, h := range b.hashes {
		line := lineFor(h, lines, data)
		p := uint32(h >> 32)
		for range probes {
			bit := p >> (32 - 9)
			line[bit>>3] |= 1 << (bit & 7)
			p *= 0x9e3779b9
		}
	}
	data[len(data)-2] = byte(probes)
	data[len(data)-1] = formatV1
	return data
}

func numProbes(bitsPerKey int) int {
	k := int(math.Round(float64(bitsPerKey) * math.Ln2))
	return max(1, min(k, 24))
}

func lineFor(h uint64, lines int, data []byte) []byte {
	idx := (uint64(uint32(h)) * uint64(lines)) >> 32
	off := idx * lineBytes
	return data[off : off+lineBytes]
}

// Reader answers membership queries against an encoded filter.
type Reader struct {
	data   []byte
	lines  int
	probes int
}

// NewReader parses a filter block. A nil Reader (unknown format) answers
// "may contain" for every key so that a bad filter never hides data.
func NewReader(data []byte) *Reader {
	if len(data) < metadataLen || data[len(data)-1] != formatV1 {
		return nil
	}
	bits := len(data) - metadataLen
	if bits%lineBytes != 0 {
		return nil
	}
	return &Reader{data: data, lines: bits / lineBytes, probes: int(data[len(data)-2])}
}

// MayContain returns false only when userKey was definitely not added.
func (r *Reader) MayContain(userKey []byte) bool {
	if r == nil {
		return true
	}
	if r.probes == 0 || r.lines == 0 {
		return false
	}
	h := checksum.Hash64(userKey)
	line := lineFor(h, r.lines, r.data)
	p := uint32(h >> 32)
	for range r.probes {
		bit := p >> (32 - 9)
		if line[bit>>3]&(1<<(bit&7)) == 0 {
			return false
		}
		p *= 0x9e3779b9
	}
	return true
}
