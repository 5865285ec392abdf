// Package iterator provides the iterators layered over SSTables: a heap-based
// merging iterator over full keys and a user-key view that resolves versions
// at a read epoch.
package iterator

import (
	"container/heap"

	"github.com/aalhour/epochkv/internal/dbformat"
)

// Iterator is the interface for all full-key iterators.
type Iterator interface {
	// Valid returns true if the iterator is positioned at a valid entry.
	Valid() bool

	// Key returns the current key. The key is valid until the next call to Next/Seek/etc.
	Key() []byte

	// Value returns the current value.
	Value() []byte

	// SeekToFirst positions the iterator at the first entry.
	SeekToFirst()

	// SeekToLast positions the iterator at the last entry.
	SeekToLast()

	// Seek positions the iterator at the first entry with key >= target.
	Seek(target []byte)

	// Next advances to the next entry.
	Next()

	// Prev moves to the previous entry.
	Prev()

	// Error returns any error encountered during iteration.
	Error() error
}

type direction int8

const (
	forward direction = iota
	reverse
)

// MergingIterator merges sorted children into one sorted iterator. Forward
// iteration uses a min-heap and reverse iteration a max-heap; switching
// direction repositions every child around the current key.
type MergingIterator struct {
	children []Iterator
	cmp      func(a, b []byte) int
	h        *iterHeap
	current  int // index into children, -1 if invalid
	dir      direction
	err      error
}

// NewMergingIterator creates a merging iterator. A nil comparator means
// dbformat.Compare.
func NewMergingIterator(children []Iterator, cmp func(a, b []byte) int) *MergingIterator {
	if cmp == nil {
		cmp = dbformat.Compare
	}
	mi := &MergingIterator{
		children: children,
		cmp:      cmp,
		current:  -1,
	}
	mi.h = &iterHeap{items: make([]heapItem, 0, len(children)), cmp: cmp}
	return mi
}

func (mi *MergingIterator) Valid() bool {
	return mi.err == nil && mi.current >= 0
}

func (mi *MergingIterator) Key() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Key()
}

func (mi *MergingIterator) Value() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Value()
}

func (mi *MergingIterator) Error() error {
	return mi.err
}

func (mi *MergingIterator) SeekToFirst() {
	for _, c := range mi.children {
		c.SeekToFirst()
	}
	mi.rebuild(forward)
}

func (mi *MergingIterator) SeekToLast() {
	for _, c := range mi.children {
		c.SeekToLast()
	}
	mi.rebuild(reverse)
}

// Seek positions the iterator at the first key >= target.
func (mi *MergingIterator) Seek(target []byte) {
	for _, c := range mi.children {
		c.Seek(target)
	}
	mi.rebuild(forward)
}

func (mi *MergingIterator) Next() {
	if !mi.Valid() {
		return
	}
	if mi.dir == reverse {
		key := append([]byte(nil), mi.Key()...)
		for i, c := range mi.children {
			if i == mi.current {
				continue
			}
			c.Seek(key)
			if c.Valid() && mi.cmp(c.Key(), key) == 0 {
				c.Next()
			}
		}
		mi.rebuild(forward)
		if !mi.Valid() {
			return
		}
	}
	mi.advance(Iterator.Next)
}

func (mi *MergingIterator) Prev() {
	if !mi.Valid() {
		return
	}
	if mi.dir == forward {
		key := append([]byte(nil), mi.Key()...)
		for i, c := range mi.children {
			if i == mi.current {
				continue
			}
			c.Seek(key)
			if c.Valid() {
				c.Prev()
			} else if c.Error() == nil {
				c.SeekToLast()
			}
		}
		mi.rebuild(reverse)
		if !mi.Valid() {
			return
		}
	}
	mi.advance(Iterator.Prev)
}

// advance moves the child on top of the heap and restores heap order.
func (mi *MergingIterator) advance(move func(Iterator)) {
	top := mi.children[mi.current]
	move(top)
	if err := top.Error(); err != nil {
		mi.err = err
		mi.current = -1
		return
	}
	if top.Valid() {
		mi.h.items[0].key = top.Key()
		heap.Fix(mi.h, 0)
	} else {
		heap.Pop(mi.h)
	}
	mi.setCurrent()
}

func (mi *MergingIterator) rebuild(dir direction) {
	mi.dir = dir
	mi.err = nil
	mi.h.reverse = dir == reverse
	mi.h.items = mi.h.items[:0]
	for i, c := range mi.children {
		if err := c.Error(); err != nil {
			mi.err = err
			mi.current = -1
			return
		}
		if c.Valid() {
			mi.h.items = append(mi.h.items, heapItem{index: i, key: c.Key()})
		}
	}
	heap.Init(mi.h)
	mi.setCurrent()
}

func (mi *MergingIterator) setCurrent() {
	if mi.h.Len() == 0 {
		mi.current = -1
		return
	}
	mi.current = mi.h.items[0].index
}

type heapItem struct {
	index int    // index into children slice
	key   []byte // current key for this iterator
}

type iterHeap struct {
	items   []heapItem
	cmp     func(a, b []byte) int
	reverse bool
}

func (h *iterHeap) Len() int { return len(h.items) }

func (h *iterHeap) Less(i, j int) bool {
	c := h.cmp(h.items[i].key, h.items[j].key)
	if c == 0 {
		// Ties resolve to the earlier child in both directions.
		return h.items[i].index < h.items[j].index
	}
	if h.reverse {
		return c > 0
	}
	return c < 0
}

func (h *iterHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *iterHeap) Push(x any) {
	h.items = append(h.items, x.(heapItem))
}

func (h *iterHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
