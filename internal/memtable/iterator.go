package memtable

import (
	"sort"

	"github.com/aalhour/epochkv/internal/dbformat"
)

// Iterator walks a sealed Table.
type Iterator struct {
	t   *Table
	pos int
}

func (it *Iterator) Valid() bool   { return it.pos >= 0 && it.pos < len(it.t.keys) }
func (it *Iterator) Key() []byte   { return it.t.keys[it.pos] }
func (it *Iterator) Value() []byte { return it.t.values[it.pos] }
func (it *Iterator) Error() error  { return nil }

func (it *Iterator) SeekToFirst() { it.pos = 0 }
func (it *Iterator) SeekToLast()  { it.pos = len(it.t.keys) - 1 }

func (it *Iterator) Seek(target []byte) {
	it.pos = sort.Search(len(it.t.keys), func(i int) bool {
		return dbformat.Compare(it.t.keys[i], target) >= 0
	})
}

func (it *Iterator) Next() {
	if it.Valid() {
		it.pos++
	}
}

func (it *Iterator) Prev() {
	if it.Valid() {
		it.pos--
	}
}
