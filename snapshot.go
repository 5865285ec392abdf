package epochkv

// snapshot.go implements snapshot management.
//
// A Snapshot pins a committed epoch and the version current when it was
// taken. Every read through it sees exactly the writes committed at or below
// that epoch, and the tables it reads are kept until Release.

import (
	"github.com/aalhour/epochkv/internal/version"
)

// Snapshot provides a consistent read view of the engine.
type Snapshot struct {
	s *version.Snapshot
}

// GetSnapshot pins epoch e, or the latest committed epoch for LatestEpoch.
// The snapshot must be released.
func (db *DB) GetSnapshot(e Epoch) (*Snapshot, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	s, err := db.vs.Pin(e)
	if err != nil {
		return nil, err
	}
	return &Snapshot{s: s}, nil
}

// Epoch returns the epoch the snapshot reads at.
func (s *Snapshot) Epoch() Epoch {
	return s.s.Epoch()
}

// Release releases the snapshot.
// After calling Release, the snapshot should not be used.
func (s *Snapshot) Release() {
	s.s.Release()
}

// pin resolves the snapshot a read uses. The returned release func must be
// called when the read finishes; it is a no-op for caller-owned snapshots.
func (db *DB) pin(ro *ReadOptions) (*version.Snapshot, func(), error) {
	if db.closed.Load() {
		return nil, nil, ErrClosed
	}
	if ro == nil {
		ro = &ReadOptions{}
	}
	if ro.Snapshot != nil {
		if ro.Snapshot.s.Released() {
			return nil, nil, ErrSnapshotReleased
		}
		return ro.Snapshot.s, func() {}, nil
	}
	s, err := db.vs.Pin(ro.Epoch)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Release, nil
}
