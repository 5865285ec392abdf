package epochkv

import (
	"context"

	"github.com/aalhour/epochkv/internal/logging"
)

// ClusterState summarizes the engine for operational tooling.
type ClusterState struct {
	Paused          bool   `json:"paused"`
	WriteEpoch      Epoch  `json:"write_epoch"`
	CommittedEpoch  Epoch  `json:"committed_epoch"`
	Watermark       Epoch  `json:"watermark"`
	PinnedSnapshots int    `json:"pinned_snapshots"`
	VersionID       uint64 `json:"version_id"`
	ObsoleteTables  int    `json:"obsolete_tables"`
	QueuedTasks     int    `json:"queued_compactions"`
	ThrottledTasks  int64  `json:"throttled_compactions"`
	PendingFlush    bool   `json:"pending_flush"`
}

// Pause stops epoch advancement and data commits. Reads, snapshots and
// compaction config updates keep working.
func (db *DB) Pause() {
	db.vs.Pause()
}

// Resume undoes Pause. Compactions interrupted by the pause run again.
func (db *DB) Resume() {
	db.vs.Resume()
	db.compactor.Trigger()
}

// Paused reports whether the cluster is paused.
func (db *DB) Paused() bool { return db.vs.Paused() }

// State returns a summary of the engine.
func (db *DB) State() ClusterState {
	return ClusterState{
		Paused:          db.vs.Paused(),
		WriteEpoch:      db.buffer.CurrentEpoch(),
		CommittedEpoch:  db.vs.CommittedEpoch(),
		Watermark:       db.vs.Watermark(),
		PinnedSnapshots: db.vs.NumPinned(),
		VersionID:       db.vs.Current().ID(),
		ObsoleteTables:  db.vs.NumObsolete(),
		QueuedTasks:     db.compactor.QueueLen(),
		ThrottledTasks:  db.compactor.Throttled(),
		PendingFlush:    db.flusher.Pending(),
	}
}

// ListCompactionGroups describes every compaction group.
func (db *DB) ListCompactionGroups() []GroupInfo {
	return db.vs.ListGroups()
}

// UpdateCompactionConfig changes the config of the given groups. It is
// accepted while paused and only affects later compaction decisions.
func (db *DB) UpdateCompactionConfig(ctx context.Context, ids []GroupID, u CompactionConfigUpdate) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if err := db.vs.UpdateConfig(ctx, ids, &u); err != nil {
		return err
	}
	db.logger.Infof(logging.NSControl+"updated compaction config of groups %v", ids)
	if !db.vs.Paused() {
		db.compactor.Trigger()
	}
	return nil
}

// Flush seals the open write epoch and flushes every sealed epoch. It
// returns the committed epoch. While paused it returns ErrClusterPaused and
// keeps the buffered writes.
func (db *DB) Flush(ctx context.Context) (Epoch, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}
	return db.flusher.Flush(ctx)
}

// CreateCompactionGroup creates a group claiming ranges. A nil cfg copies
// the default group's tunables from Options. Data already stored for the
// ranges stays where it is; new flushes route to the group.
func (db *DB) CreateCompactionGroup(ctx context.Context, name string, cfg *CompactionConfig, ranges []KeyRange) (GroupID, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}
	c := db.opts.DefaultGroup.Clone()
	if cfg != nil {
		c = cfg.Clone()
	}
	c.Name = name
	c.KeyRanges = append([]KeyRange(nil), ranges...)
	id, err := db.vs.CreateGroup(ctx, c)
	if err != nil {
		return 0, err
	}
	db.logger.Infof(logging.NSControl+"created compaction group %d %q with %d ranges", id, name, len(ranges))
	return id, nil
}

// MoveKeyRange assigns r to group id, taking it from the groups that claim
// parts of it. Moving to the default group releases the range.
func (db *DB) MoveKeyRange(ctx context.Context, id GroupID, r KeyRange) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if err := db.vs.MoveKeyRange(ctx, id, r); err != nil {
		return err
	}
	db.logger.Infof(logging.NSControl+"moved %s to compaction group %d", r, id)
	return nil
}

// CompactRange compacts every level of a group down to its last level.
func (db *DB) CompactRange(ctx context.Context, id GroupID) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return db.compactor.CompactRange(ctx, id)
}

// CollectGarbage deletes obsolete tables that nothing can read anymore and
// returns how many it deleted.
func (db *DB) CollectGarbage(ctx context.Context) (int, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}
	return db.vs.CollectGarbage(ctx)
}

// GroupOf returns the group new writes of key are flushed to.
func (db *DB) GroupOf(key []byte) GroupID {
	return db.vs.RouteKey(key)
}
