// Package checksum computes block checksums and key hashes with XXH3.
//
// Block trailers store the low 32 bits of XXH3-64 over the block contents
// followed by the one-byte compression type, so a flipped type byte is
// detected the same way as a flipped payload byte.
package checksum

import (
	"github.com/zeebo/xxh3"
)

// Block returns the checksum stored in a block trailer.
func Block(data []byte, compressionType byte) uint32 {
	h := xxh3.New()
	_, _ = h.Write(data)
	_, _ = h.Write([]byte{compressionType})
	return uint32(h.Sum64())
}

// Verify reports whether want matches the checksum of data and type byte.
func Verify(data []byte, compressionType byte, want uint32) bool {
	return Block(data, compressionType) == want
}

// Hash64 hashes a user key for bloom filter probes.
func Hash64(key []byte) uint64 {
	return xxh3.Hash(key)
}
