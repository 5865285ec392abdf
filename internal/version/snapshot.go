package version

import (
	"fmt"
	"sync/atomic"

	"github.com/aalhour/epochkv/internal/dbformat"
)

// Snapshot is a pinned read epoch together with the version it reads.
// Holding it keeps the version's tables from being garbage collected.
type Snapshot struct {
	vs       *VersionSet
	key      pinKey
	version  *Version
	released atomic.Bool
}

// Epoch returns the pinned epoch.
func (s *Snapshot) Epoch() dbformat.Epoch { return s.key.epoch }

// Version returns the pinned version.
func (s *Snapshot) Version() *Version { return s.version }

// Released reports whether Release was called.
func (s *Snapshot) Released() bool { return s.released.Load() }

// Release unpins the snapshot. It is safe to call more than once.
func (s *Snapshot) Release() {
	s.vs.Unpin(s)
}

// Pin pins epoch e, or the committed epoch when e is NoEpoch. It never
// blocks: the current version is loaded atomically and referenced with a
// CAS loop, and the epoch is registered in a lock-free ordered map.
func (vs *VersionSet) Pin(e dbformat.Epoch) (*Snapshot, error) {
	var v *Version
	for {
		v = vs.current.Load()
		if v.TryRef() {
			break
		}
	}
	if e == dbformat.NoEpoch {
		e = v.committedEpoch
	}
	if e > v.committedEpoch {
		v.Unref()
		return nil, fmt.Errorf("%w: %d > %d", ErrEpochNotCommitted, e, v.committedEpoch)
	}

	s := &Snapshot{vs: vs, key: pinKey{epoch: e, seq: vs.pinSeq.Add(1)}, version: v}
	vs.pins.Store(s.key, s)
	// Register first, then check the watermark; compaction raises the
	// watermark first, then rereads the pins.
	if w := dbformat.Epoch(vs.watermark.Load()); e < w {
		vs.pins.Delete(s.key)
		v.Unref()
		return nil, fmt.Errorf("%w: %d < watermark %d", ErrSnapshotTooOld, e, w)
	}
	vs.m.AddPinned(1)
	return s, nil
}

// Unpin releases a snapshot.
func (vs *VersionSet) Unpin(s *Snapshot) {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	vs.pins.Delete(s.key)
	s.version.Unref()
	vs.m.AddPinned(-1)
}

// NumPinned returns the number of live snapshots.
func (vs *VersionSet) NumPinned() int { return vs.pins.Len() }

// MinPinnedEpoch returns the smallest pinned epoch, or MaxEpoch when nothing
// is pinned.
func (vs *VersionSet) MinPinnedEpoch() dbformat.Epoch {
	m := dbformat.MaxEpoch
	vs.pins.Range(func(k pinKey, _ *Snapshot) bool {
		m = k.epoch
		return false
	})
	return m
}

// SafeEpoch returns the epoch at or below which compaction may keep only
// the newest version of each key. It raises the pin watermark so that no
// snapshot older than the returned epoch can be pinned afterwards.
func (vs *VersionSet) SafeEpoch() dbformat.Epoch {
	w := min(vs.MinPinnedEpoch(), vs.CommittedEpoch())
	for {
		old := vs.watermark.Load()
		if uint64(w) <= old || vs.watermark.CompareAndSwap(old, uint64(w)) {
			break
		}
	}
	return min(w, vs.MinPinnedEpoch())
}

// Watermark returns the lowest epoch that can still be pinned.
func (vs *VersionSet) Watermark() dbformat.Epoch {
	return dbformat.Epoch(vs.watermark.Load())
}
