// Package memtable buffers writes per epoch until the flush coordinator
// seals them into level-0 SSTables.
//
// The open epoch is a google/btree ordered by user key; a second write to the
// same key in the same epoch replaces the first. Sealing freezes the tree
// into a sorted slice of full keys that is immutable from then on.
package memtable

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/aalhour/epochkv/internal/dbformat"
)

const btreeDegree = 32

// Per-entry bookkeeping charged to ApproximateSize.
const entryOverhead = 48

type entry struct {
	userKey []byte
	kind    dbformat.Kind
	value   []byte
}

func lessEntry(a, b entry) bool {
	return bytes.Compare(a.userKey, b.userKey) < 0
}

// Table holds the writes of one epoch.
type Table struct {
	epoch dbformat.Epoch
	tree  *btree.BTreeG[entry]
	size  int64

	// Set once sealed.
	keys   []dbformat.FullKey
	values [][]byte
}

func newTable(e dbformat.Epoch) *Table {
	return &Table{epoch: e, tree: btree.NewG[entry](btreeDegree, lessEntry)}
}

// Epoch returns the epoch the table's writes are tagged with.
func (t *Table) Epoch() dbformat.Epoch { return t.epoch }

// Len returns the number of entries.
func (t *Table) Len() int {
	if t.keys != nil {
		return len(t.keys)
	}
	return t.tree.Len()
}

// ApproximateSize returns the buffered bytes.
func (t *Table) ApproximateSize() int64 { return t.size }

func (t *Table) add(userKey []byte, kind dbformat.Kind, value []byte) {
	e := entry{
		userKey: append([]byte(nil), userKey...),
		kind:    kind,
		value:   append([]byte(nil), value...),
	}
	if old, ok := t.tree.ReplaceOrInsert(e); ok {
		t.size -= int64(len(old.userKey) + len(old.value) + entryOverhead)
	}
	t.size += int64(len(e.userKey) + len(e.value) + entryOverhead)
}

func (t *Table) freeze() {
	t.keys = make([]dbformat.FullKey, 0, t.tree.Len())
	t.values = make([][]byte, 0, t.tree.Len())
	t.tree.Ascend(func(e entry) bool {
		t.keys = append(t.keys, dbformat.MakeFullKey(e.userKey, t.epoch, e.kind))
		t.values = append(t.values, e.value)
		return true
	})
	t.tree = nil
}

// NewIterator iterates a sealed table in full-key order.
func (t *Table) NewIterator() *Iterator {
	if t.keys == nil && t.tree != nil {
		panic("memtable: iterator over an open table")
	}
	return &Iterator{t: t, pos: -1}
}

// Buffer owns the open epoch and the sealed, not yet flushed, epochs.
type Buffer struct {
	mu      sync.Mutex
	current *Table
	sealed  []*Table
}

// NewBuffer creates a buffer whose first open epoch is first.
func NewBuffer(first dbformat.Epoch) *Buffer {
	return &Buffer{current: newTable(first)}
}

// Put records a write in the open epoch and returns that epoch.
func (b *Buffer) Put(userKey, value []byte) dbformat.Epoch {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current.add(userKey, dbformat.KindPut, value)
	return b.current.epoch
}

// Delete records a tombstone in the open epoch and returns that epoch.
func (b *Buffer) Delete(userKey []byte) dbformat.Epoch {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current.add(userKey, dbformat.KindDelete, nil)
	return b.current.epoch
}

// CurrentEpoch returns the open epoch.
func (b *Buffer) CurrentEpoch() dbformat.Epoch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.epoch
}

// Seal closes the open epoch and opens the next one. Empty epochs are
// still sealed so that the committed epoch advances.
func (b *Buffer) Seal() dbformat.Epoch {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.current
	t.freeze()
	b.sealed = append(b.sealed, t)
	b.current = newTable(t.epoch + 1)
	return t.epoch
}

// Sealed returns the sealed tables in epoch order.
func (b *Buffer) Sealed() []*Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Table(nil), b.sealed...)
}

// Release drops sealed tables with epoch <= upTo once they are flushed.
func (b *Buffer) Release(upTo dbformat.Epoch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sort.Search(len(b.sealed), func(i int) bool { return b.sealed[i].epoch > upTo })
	b.sealed = append(b.sealed[:0:0], b.sealed[i:]...)
}

// ApproximateSize returns the bytes held by open and sealed epochs.
func (b *Buffer) ApproximateSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.current.size
	for _, t := range b.sealed {
		n += t.size
	}
	return n
}
