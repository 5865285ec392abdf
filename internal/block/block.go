package block

import (
	"github.com/aalhour/epochkv/internal/encoding"
)

// Compare orders keys inside a block.
type Compare func(a, b []byte) int

// Block is a parsed, immutable block. The data slice is not copied.
type Block struct {
	data        []byte
	restarts    int // offset of the restart array
	numRestarts int
}

// NewBlock parses the restart array of data.
func NewBlock(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, ErrBadBlock
	}
	num := int(encoding.DecodeFixed32(data[len(data)-4:]))
	if num == 0 {
		return nil, ErrBadBlock
	}
	trailer := (num + 1) * 4
	if trailer > len(data) {
		return nil, ErrBadBlock
	}
	return &Block{data: data, restarts: len(data) - trailer, numRestarts: num}, nil
}

// Size returns the encoded size.
func (b *Block) Size() int {
	return len(b.data)
}

func (b *Block) restartPoint(i int) int {
	return int(encoding.DecodeFixed32(b.data[b.restarts+i*4:]))
}

// Iterator walks a block. Key returns a buffer owned by the iterator;
// Value aliases the block.
type Iterator struct {
	block   *Block
	cmp     Compare
	current int
	next    int
	key     []byte
	value   []byte
	valid   bool
	err     error
}

// NewIterator creates an unpositioned iterator.
func (b *Block) NewIterator(cmp Compare) *Iterator {
	return &Iterator{block: b, cmp: cmp}
}

func (it *Iterator) Valid() bool   { return it.valid && it.err == nil }
func (it *Iterator) Key() []byte   { return it.key }
func (it *Iterator) Value() []byte { return it.value }
func (it *Iterator) Error() error  { return it.err }

// SeekToFirst positions at the first entry.
func (it *Iterator) SeekToFirst() {
	it.seekToRestart(0)
	it.Next()
}

// SeekToLast positions at the last entry.
func (it *Iterator) SeekToLast() {
	it.seekToRestart(it.block.numRestarts - 1)
	it.scanUntil(it.block.restarts)
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if it.err != nil || it.next >= it.block.restarts {
		it.valid = false
		return
	}
	it.current = it.next
	it.parseEntry()
}

// Prev moves to the previous entry by rescanning from the nearest earlier
// restart point.
func (it *Iterator) Prev() {
	if it.err != nil {
		it.valid = false
		return
	}
	target := it.current
	if target == 0 {
		it.valid = false
		return
	}
	idx := it.restartBefore(target - 1)
	it.seekToRestart(idx)
	it.scanUntil(target)
}

// scanUntil leaves the iterator on the last entry starting before end.
func (it *Iterator) scanUntil(end int) {
	var (
		key   []byte
		value []byte
		cur   int
		next  int
		found bool
	)
	for {
		it.Next()
		if !it.Valid() || it.current >= end {
			break
		}
		key = append(key[:0], it.key...)
		value, cur, next, found = it.value, it.current, it.next, true
	}
	if it.err != nil {
		return
	}
	if !found {
		it.valid = false
		return
	}
	it.key, it.value, it.current, it.next, it.valid = key, value, cur, next, true
}

// Seek positions at the first key >= target.
func (it *Iterator) Seek(target []byte) {
	left, right := 0, it.block.numRestarts-1
	for left < right {
		mid := (left + right + 1) / 2
		it.seekToRestart(mid)
		it.Next()
		if !it.Valid() || it.cmp(it.key, target) > 0 {
			right = mid - 1
		} else {
			left = mid
		}
	}
	if it.err != nil {
		return
	}
	it.seekToRestart(left)
	for {
		it.Next()
		if !it.Valid() || it.cmp(it.key, target) >= 0 {
			return
		}
	}
}

// SeekForPrev positions at the last key <= target.
func (it *Iterator) SeekForPrev(target []byte) {
	it.Seek(target)
	if !it.Valid() {
		if it.err == nil {
			it.SeekToLast()
		}
		return
	}
	if it.cmp(it.key, target) > 0 {
		it.Prev()
	}
}

func (it *Iterator) restartBefore(offset int) int {
	left, right := 0, it.block.numRestarts-1
	for left < right {
		mid := (left + right + 1) / 2
		if it.block.restartPoint(mid) <= offset {
			left = mid
		} else {
			right = mid - 1
		}
	}
	return left
}

func (it *Iterator) seekToRestart(i int) {
	it.key = it.key[:0]
	it.value = nil
	it.valid = false
	off := it.block.restartPoint(i)
	it.current, it.next = off, off
}

func (it *Iterator) parseEntry() {
	data := it.block.data[it.current:it.block.restarts]
	shared, n1, err1 := encoding.DecodeVarint32(data)
	if err1 != nil {
		it.corrupt()
		return
	}
	unshared, n2, err2 := encoding.DecodeVarint32(data[n1:])
	if err2 != nil {
		it.corrupt()
		return
	}
	vlen, n3, err3 := encoding.DecodeVarint32(data[n1+n2:])
	if err3 != nil {
		it.corrupt()
		return
	}
	hdr := n1 + n2 + n3
	if int(shared) > len(it.key) || len(data)-hdr < int(unshared)+int(vlen) {
		it.corrupt()
		return
	}
	body := data[hdr:]
	it.key = append(it.key[:shared], body[:unshared]...)
	it.value = body[unshared : unshared+vlen]
	it.next = it.current + hdr + int(unshared) + int(vlen)
	it.valid = true
}

func (it *Iterator) corrupt() {
	it.err = ErrBadBlock
	it.valid = false
}
