package iterator

import (
	"bytes"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/metrics"
)

// UserKeyIterator exposes, for every user key in [Lower, Upper), the newest
// version with epoch <= the read epoch. Keys whose visible version is a
// tombstone are skipped.
type UserKeyIterator struct {
	iter  Iterator
	epoch dbformat.Epoch
	lower []byte
	upper []byte
	stats *metrics.ReadStats

	key   []byte
	value []byte
	valid bool
	dir   direction
	err   error
}

// NewUserKeyIterator wraps a full-key iterator. lower and upper may be nil.
func NewUserKeyIterator(iter Iterator, epoch dbformat.Epoch, lower, upper []byte, stats *metrics.ReadStats) *UserKeyIterator {
	return &UserKeyIterator{iter: iter, epoch: epoch, lower: lower, upper: upper, stats: stats}
}

func (u *UserKeyIterator) Valid() bool   { return u.valid && u.err == nil }
func (u *UserKeyIterator) Key() []byte   { return u.key }
func (u *UserKeyIterator) Value() []byte { return u.value }

func (u *UserKeyIterator) Error() error {
	if u.err != nil {
		return u.err
	}
	return u.iter.Error()
}

// SeekToFirst positions at the first visible key at or above Lower.
func (u *UserKeyIterator) SeekToFirst() {
	if u.lower != nil {
		u.Seek(u.lower)
		return
	}
	u.dir = forward
	u.iter.SeekToFirst()
	u.findNext()
}

// SeekToLast positions at the last visible key below Upper.
func (u *UserKeyIterator) SeekToLast() {
	u.dir = reverse
	if u.upper != nil {
		u.iter.Seek(dbformat.SeekKey(u.upper, dbformat.MaxEpoch))
		if u.iter.Valid() {
			u.iter.Prev()
		} else {
			u.iter.SeekToLast()
		}
	} else {
		u.iter.SeekToLast()
	}
	u.findPrev()
}

// Seek positions at the first visible key >= target.
func (u *UserKeyIterator) Seek(target []byte) {
	if u.lower != nil && bytes.Compare(target, u.lower) < 0 {
		target = u.lower
	}
	u.dir = forward
	u.iter.Seek(dbformat.SeekKey(target, u.epoch))
	u.findNext()
}

// SeekForPrev positions at the last visible key <= target.
func (u *UserKeyIterator) SeekForPrev(target []byte) {
	if u.upper != nil && bytes.Compare(target, u.upper) >= 0 {
		u.SeekToLast()
		return
	}
	u.dir = reverse
	// The smallest user key strictly greater than target.
	next := append(append([]byte(nil), target...), 0)
	u.iter.Seek(dbformat.SeekKey(next, dbformat.MaxEpoch))
	if u.iter.Valid() {
		u.iter.Prev()
	} else {
		u.iter.SeekToLast()
	}
	u.findPrev()
}

func (u *UserKeyIterator) Next() {
	if !u.Valid() {
		return
	}
	if u.dir == reverse {
		u.dir = forward
		u.iter.Seek(dbformat.SeekKey(u.key, dbformat.MaxEpoch))
	}
	u.skipUserKey(u.key)
	u.findNext()
}

func (u *UserKeyIterator) Prev() {
	if !u.Valid() {
		return
	}
	if u.dir == forward {
		u.dir = reverse
		u.iter.Seek(dbformat.SeekKey(u.key, dbformat.MaxEpoch))
		if u.iter.Valid() {
			u.iter.Prev()
		} else {
			u.iter.SeekToLast()
		}
	}
	// In reverse the underlying cursor already sits before the current key.
	u.findPrev()
}

// skipUserKey advances past every remaining entry of userKey.
func (u *UserKeyIterator) skipUserKey(userKey []byte) {
	skip := append([]byte(nil), userKey...)
	for u.iter.Valid() && bytes.Equal(dbformat.UserKey(u.iter.Key()), skip) {
		u.iter.Next()
	}
}

// findNext scans forward to the next user key with a visible put.
func (u *UserKeyIterator) findNext() {
	u.valid = false
	for u.iter.Valid() {
		pk, err := dbformat.Parse(u.iter.Key())
		if err != nil {
			u.err = err
			return
		}
		if u.upper != nil && bytes.Compare(pk.UserKey, u.upper) >= 0 {
			return
		}
		if pk.Epoch > u.epoch {
			u.skipped()
			u.iter.Next()
			continue
		}
		if pk.Kind == dbformat.KindDelete {
			u.skipped()
			u.skipUserKey(pk.UserKey)
			continue
		}
		u.key = append(u.key[:0], pk.UserKey...)
		u.value = append(u.value[:0], u.iter.Value()...)
		u.valid = true
		u.processed()
		return
	}
}

// findPrev scans backward. Entries of one user key are visited oldest
// first, so the last visible entry seen before the user key changes wins.
func (u *UserKeyIterator) findPrev() {
	u.valid = false
	found := false
	for u.iter.Valid() {
		pk, err := dbformat.Parse(u.iter.Key())
		if err != nil {
			u.err = err
			return
		}
		if found && !bytes.Equal(pk.UserKey, u.key) {
			break
		}
		if u.lower != nil && bytes.Compare(pk.UserKey, u.lower) < 0 {
			break
		}
		if u.upper != nil && bytes.Compare(pk.UserKey, u.upper) >= 0 {
			u.iter.Prev()
			continue
		}
		if pk.Epoch <= u.epoch {
			if pk.Kind == dbformat.KindDelete {
				found = false
			} else {
				found = true
				u.key = append(u.key[:0], pk.UserKey...)
				u.value = append(u.value[:0], u.iter.Value()...)
			}
		} else {
			u.skipped()
		}
		u.iter.Prev()
	}
	if found {
		u.valid = true
		u.processed()
	}
}

func (u *UserKeyIterator) skipped() {
	if u.stats != nil {
		u.stats.SkippedKeys++
	}
}

func (u *UserKeyIterator) processed() {
	if u.stats != nil {
		u.stats.ProcessedKeys++
	}
}
