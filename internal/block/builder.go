package block

import (
	"github.com/aalhour/epochkv/internal/encoding"
)

// Builder produces one block. Keys must be added in ascending order under
// the comparator the block will be read with.
//
// Once every restartInterval keys the full key is stored instead of a
// delta; these restart points make binary search possible.
type Builder struct {
	buffer          []byte
	restarts        []uint32
	counter         int
	restartInterval int
	lastKey         []byte
	entries         int
	finished        bool
}

// NewBuilder creates a block builder. 16 is a typical interval for data
// blocks and 1 for index blocks.
func NewBuilder(restartInterval int) *Builder {
	if restartInterval < 1 {
		restartInterval = 1
	}
	return &Builder{
		buffer:          make([]byte, 0, 4096),
		restartInterval: restartInterval,
		restarts:        []uint32{0},
	}
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buffer = b.buffer[:0]
	b.restarts = b.restarts[:1]
	b.restarts[0] = 0
	b.counter = 0
	b.entries = 0
	b.lastKey = b.lastKey[:0]
	b.finished = false
}

// Add appends an entry.
func (b *Builder) Add(key, value []byte) {
	if b.finished {
		panic("block: Add called after Finish")
	}
	shared := 0
	if b.counter < b.restartInterval {
		shared = sharedPrefixLength(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buffer)))
		b.counter = 0
	}
	b.buffer = encoding.AppendVarint32(b.buffer, uint32(shared))
	b.buffer = encoding.AppendVarint32(b.buffer, uint32(len(key)-shared))
	b.buffer = encoding.AppendVarint32(b.buffer, uint32(len(value)))
	b.buffer = append(b.buffer, key[shared:]...)
	b.buffer = append(b.buffer, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
	b.entries++
}

// EstimatedSize is the size Finish would produce right now.
func (b *Builder) EstimatedSize() int {
	return len(b.buffer) + len(b.restarts)*4 + 4
}

// Empty reports whether no entries were added.
func (b *Builder) Empty() bool {
	return b.entries == 0
}

// LastKey returns the most recently added key.
func (b *Builder) LastKey() []byte {
	return b.lastKey
}

// Finish appends the restart array and returns the block contents, valid
// until Reset.
func (b *Builder) Finish() []byte {
	for _, r := range b.restarts {
		b.buffer = encoding.AppendFixed32(b.buffer, r)
	}
	b.buffer = encoding.AppendFixed32(b.buffer, uint32(len(b.restarts)))
	b.finished = true
	return b.buffer
}

func sharedPrefixLength(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
