package epochkv

import (
	"github.com/aalhour/epochkv/internal/iterator"
	"github.com/aalhour/epochkv/internal/metrics"
)

// Iterator walks the visible keys of one snapshot in either direction.
// Key and Value are valid until the next positioning call.
type Iterator struct {
	db      *DB
	op      string
	iter    *iterator.UserKeyIterator
	stats   []*metrics.ReadStats
	release func()
	closed  bool
}

func (it *Iterator) Valid() bool   { return it.iter.Valid() }
func (it *Iterator) Key() []byte   { return it.iter.Key() }
func (it *Iterator) Value() []byte { return it.iter.Value() }
func (it *Iterator) Error() error  { return it.iter.Error() }

func (it *Iterator) SeekToFirst() { it.iter.SeekToFirst() }
func (it *Iterator) SeekToLast()  { it.iter.SeekToLast() }

// Seek positions at the first key >= target.
func (it *Iterator) Seek(target []byte) { it.iter.Seek(target) }

// SeekForPrev positions at the last key <= target.
func (it *Iterator) SeekForPrev(target []byte) { it.iter.SeekForPrev(target) }

func (it *Iterator) Next() { it.iter.Next() }
func (it *Iterator) Prev() { it.iter.Prev() }

// Close reports the iterator's read statistics and releases its snapshot.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	total := &metrics.ReadStats{}
	for _, s := range it.stats {
		total.Merge(s)
	}
	it.db.m.ReportRead(it.op, total)
	it.release()
	return nil
}
