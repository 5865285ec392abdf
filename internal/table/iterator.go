package table

import (
	"context"

	"github.com/aalhour/epochkv/internal/block"
	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/metrics"
)

// Iterator is a two-level iterator: the index block selects a data block
// which is then iterated. Keys are full keys.
type Iterator struct {
	r     *Reader
	ctx   context.Context
	stats *metrics.ReadStats
	index *block.Iterator
	data  *block.Iterator
	err   error
}

func (it *Iterator) Valid() bool {
	return it.err == nil && it.data != nil && it.data.Valid()
}

func (it *Iterator) Key() []byte   { return it.data.Key() }
func (it *Iterator) Value() []byte { return it.data.Value() }

func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if err := it.index.Error(); err != nil {
		return err
	}
	if it.data != nil {
		return it.data.Error()
	}
	return nil
}

func (it *Iterator) SeekToFirst() {
	it.err = nil
	it.index.SeekToFirst()
	if it.loadData() {
		it.data.SeekToFirst()
	}
	it.skipForward()
}

func (it *Iterator) SeekToLast() {
	it.err = nil
	it.index.SeekToLast()
	if it.loadData() {
		it.data.SeekToLast()
	}
	it.skipBackward()
}

// Seek positions at the first entry with key >= target.
func (it *Iterator) Seek(target []byte) {
	it.err = nil
	it.index.Seek(target)
	if it.loadData() {
		it.data.Seek(target)
	}
	it.skipForward()
}

func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.data.Next()
	it.skipForward()
}

func (it *Iterator) Prev() {
	if !it.Valid() {
		return
	}
	it.data.Prev()
	it.skipBackward()
}

// loadData opens the block under the index cursor. It returns false when the
// index is exhausted or the block cannot be read.
func (it *Iterator) loadData() bool {
	it.data = nil
	if !it.index.Valid() {
		return false
	}
	b, err := it.r.dataBlock(it.ctx, it.index.Value(), it.stats)
	if err != nil {
		it.err = err
		return false
	}
	it.data = b.NewIterator(dbformat.Compare)
	return true
}

func (it *Iterator) skipForward() {
	for it.err == nil && (it.data == nil || !it.data.Valid()) {
		if it.data != nil && it.data.Error() != nil {
			return
		}
		if !it.index.Valid() {
			it.data = nil
			return
		}
		it.index.Next()
		if it.loadData() {
			it.data.SeekToFirst()
		}
	}
	it.count()
}

func (it *Iterator) skipBackward() {
	for it.err == nil && (it.data == nil || !it.data.Valid()) {
		if it.data != nil && it.data.Error() != nil {
			return
		}
		if !it.index.Valid() {
			it.data = nil
			return
		}
		it.index.Prev()
		if it.loadData() {
			it.data.SeekToLast()
		}
	}
	it.count()
}

func (it *Iterator) count() {
	if it.stats != nil && it.Valid() {
		it.stats.ProcessedKeys++
	}
}
