package epochkv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/epochkv/internal/objstore"
)

func TestPauseResume(t *testing.T) {
	db := openTestDB(t, nil)
	ctx := context.Background()

	put(t, db, "a", "1")
	e1 := flushDB(t, db)
	snap, err := db.GetSnapshot(LatestEpoch)
	require.NoError(t, err)
	defer snap.Release()

	db.Pause()
	assert.True(t, db.Paused())
	assert.True(t, db.State().Paused)

	// Writes are buffered; nothing commits.
	put(t, db, "b", "2")
	_, err = db.Flush(ctx)
	assert.ErrorIs(t, err, ErrClusterPaused)
	assert.Equal(t, e1, db.CommittedEpoch())

	_, err = db.CreateCompactionGroup(ctx, "g", nil, []KeyRange{{Start: []byte("x")}})
	assert.ErrorIs(t, err, ErrClusterPaused)

	// Reads, snapshots and config updates keep working.
	v, ok := get(t, db, "a", &ReadOptions{Snapshot: snap})
	require.True(t, ok)
	assert.Equal(t, "1", v)
	s2, err := db.GetSnapshot(LatestEpoch)
	require.NoError(t, err)
	s2.Release()

	trigger := 12
	require.NoError(t, db.UpdateCompactionConfig(ctx, []GroupID{DefaultGroupID}, CompactionConfigUpdate{L0FileTrigger: &trigger}))
	assert.Equal(t, 12, db.ListCompactionGroups()[0].Config.L0FileTrigger)

	db.Resume()
	assert.False(t, db.Paused())
	e2 := flushDB(t, db)
	assert.Greater(t, e2, e1)
	v, ok = get(t, db, "b", nil)
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestLevelSizeUpdateWhilePausedAppliesAfterResume(t *testing.T) {
	opts := testOptions(objstore.NewMemStore())
	opts.DisableAutoCompactions = false
	opts.CompactionInterval = 5 * time.Millisecond
	db := openTestDB(t, opts)
	ctx := context.Background()

	for i := range 10 {
		put(t, db, key(i), "v1")
	}
	flushDB(t, db)
	for i := range 10 {
		put(t, db, key(i), "v2")
	}
	flushDB(t, db)
	require.Equal(t, 2, db.ListCompactionGroups()[0].Levels[0].Tables, "below the default thresholds")

	db.Pause()
	base, mult := uint64(1), uint64(2)
	require.NoError(t, db.UpdateCompactionConfig(ctx, []GroupID{DefaultGroupID}, CompactionConfigUpdate{
		LevelSizeBase:       &base,
		LevelSizeMultiplier: &mult,
	}))
	versionID := db.State().VersionID

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, db.ListCompactionGroups()[0].Levels[0].Tables)
	assert.Equal(t, versionID, db.State().VersionID, "no compaction committed while paused")

	db.Resume()
	require.Eventually(t, func() bool {
		levels := db.ListCompactionGroups()[0].Levels
		for _, l := range levels[:len(levels)-1] {
			if l.Tables > 0 {
				return false
			}
		}
		return levels[len(levels)-1].Tables > 0
	}, 5*time.Second, 5*time.Millisecond, "every level overshoots a one-byte base")

	got := scanAll(t, db, nil)
	assert.Len(t, got, 10)
	assert.Equal(t, "v2", got[key(0)])
}

func TestCompactRangeWhilePaused(t *testing.T) {
	db := openTestDB(t, nil)
	ctx := context.Background()
	put(t, db, "a", "1")
	flushDB(t, db)
	put(t, db, "a", "2")
	flushDB(t, db)

	db.Pause()
	err := db.CompactRange(ctx, DefaultGroupID)
	assert.ErrorIs(t, err, ErrClusterPaused)
	assert.Equal(t, 2, db.ListCompactionGroups()[0].Levels[0].Tables)
	assert.Equal(t, 2, countTableObjects(t, db), "outputs of the interrupted job are removed")

	db.Resume()
	require.NoError(t, db.CompactRange(ctx, DefaultGroupID))
	assert.Zero(t, db.ListCompactionGroups()[0].Levels[0].Tables)
}

func TestUpdateCompactionConfigErrors(t *testing.T) {
	db := openTestDB(t, nil)
	ctx := context.Background()

	one := 1
	err := db.UpdateCompactionConfig(ctx, []GroupID{DefaultGroupID}, CompactionConfigUpdate{LevelCount: &one})
	assert.ErrorIs(t, err, ErrInvalidDelta)

	err = db.UpdateCompactionConfig(ctx, []GroupID{DefaultGroupID}, CompactionConfigUpdate{})
	assert.ErrorIs(t, err, ErrInvalidDelta)

	trigger := 3
	err = db.UpdateCompactionConfig(ctx, []GroupID{5}, CompactionConfigUpdate{L0FileTrigger: &trigger})
	assert.ErrorIs(t, err, ErrUnknownGroup)

	assert.ErrorIs(t, db.CompactRange(ctx, 5), ErrUnknownGroup)
}

func TestFlushRetriesTransientFailures(t *testing.T) {
	store := objstore.NewFaultStore(objstore.NewMemStore())
	db := openTestDB(t, testOptions(store))

	for i := range 10 {
		put(t, db, key(i), "v")
	}
	store.FailPuts("sst/", 2)
	flushDB(t, db)
	assert.Len(t, scanAll(t, db, nil), 10)
	assert.Equal(t, countVersionTables(db), countTableObjects(t, db))
}

func TestFlushRetryAfterRejectionIsIdempotent(t *testing.T) {
	store := objstore.NewFaultStore(objstore.NewMemStore())
	db := openTestDB(t, testOptions(store))
	ctx := context.Background()

	for i := range 10 {
		put(t, db, key(i), "v")
	}
	store.FailPuts("manifest/", -1)
	_, err := db.Flush(ctx)
	require.Error(t, err)
	assert.True(t, db.State().PendingFlush)
	assert.Equal(t, Epoch(0), db.CommittedEpoch())

	// More writes arrive in the next epoch while the first is pending.
	put(t, db, key(10), "v")

	store.ClearFaults()
	e := flushDB(t, db)
	assert.Equal(t, Epoch(2), e)
	assert.False(t, db.State().PendingFlush)
	assert.Len(t, scanAll(t, db, nil), 11)
	assert.Equal(t, countVersionTables(db), countTableObjects(t, db), "retry rewrote the same table ids")
}
