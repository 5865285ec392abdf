package epochkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/objstore"
)

func TestRecoveryReproducesVersion(t *testing.T) {
	store := objstore.NewMemStore()
	ctx := context.Background()
	opts := testOptions(store)
	opts.CheckpointInterval = 3

	db, err := Open(ctx, opts)
	require.NoError(t, err)
	for round := range 4 {
		for i := range 10 {
			put(t, db, key(i*4+round), "v")
		}
		flushDB(t, db)
	}
	_, err = db.CreateCompactionGroup(ctx, "users", nil, []KeyRange{{Start: []byte("user/"), End: []byte("user0")}})
	require.NoError(t, err)
	put(t, db, "user/1", "u")
	flushDB(t, db)
	require.NoError(t, db.CompactRange(ctx, DefaultGroupID))
	trigger := 7
	require.NoError(t, db.UpdateCompactionConfig(ctx, []GroupID{1}, CompactionConfigUpdate{L0FileTrigger: &trigger}))
	put(t, db, "tail", "t")

	wantData := scanAll(t, db, nil)
	wantGroups := db.ListCompactionGroups()
	require.NoError(t, db.Close())
	wantData["tail"] = "t"

	db = openTestDB(t, testOptions(store))
	assert.Equal(t, wantData, scanAll(t, db, nil))
	assert.Equal(t, Epoch(6), db.CommittedEpoch())
	assert.Equal(t, Epoch(7), db.CurrentEpoch())

	groups := db.ListCompactionGroups()
	require.Len(t, groups, len(wantGroups))
	for i := range groups {
		assert.Equal(t, wantGroups[i].Name, groups[i].Name)
		assert.Equal(t, rangeStrings(wantGroups[i].Config.KeyRanges), rangeStrings(groups[i].Config.KeyRanges))
		assert.Equal(t, wantGroups[i].Config.L0FileTrigger, groups[i].Config.L0FileTrigger)
	}
	assert.Equal(t, 7, groups[1].Config.L0FileTrigger)
	assert.Equal(t, GroupID(1), db.GroupOf([]byte("user/9")))
}

func rangeStrings(rs []KeyRange) []string {
	var out []string
	for _, r := range rs {
		out = append(out, r.String())
	}
	return out
}

func TestRecoveryCollectsOrphans(t *testing.T) {
	store := objstore.NewMemStore()
	ctx := context.Background()

	db, err := Open(ctx, testOptions(store))
	require.NoError(t, err)
	put(t, db, "a", "1")
	flushDB(t, db)
	require.NoError(t, db.Close())

	// An upload whose commit never happened.
	orphan := manifest.TableID(99999)
	require.NoError(t, store.Put(ctx, orphan.ObjectPath(), []byte("partial")))

	db = openTestDB(t, testOptions(store))
	assert.Equal(t, 1, db.State().ObsoleteTables)
	n, err := db.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.Stat(ctx, orphan.ObjectPath())
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	// New tables never reuse the orphan's id.
	put(t, db, "b", "2")
	flushDB(t, db)
	var maxID manifest.TableID
	db.vs.Current().ForEachTable(func(m *manifest.TableMeta) { maxID = max(maxID, m.ID) })
	assert.Greater(t, maxID, orphan)
}

func TestRecoveryRejectsCorruptManifest(t *testing.T) {
	store := objstore.NewMemStore()
	ctx := context.Background()

	db, err := Open(ctx, testOptions(store))
	require.NoError(t, err)
	put(t, db, "a", "1")
	flushDB(t, db)
	require.NoError(t, db.Close())

	objs, err := store.List(ctx, manifest.Prefix)
	require.NoError(t, err)
	require.NotEmpty(t, objs)
	last := objs[len(objs)-1].Path
	require.NoError(t, store.Put(ctx, last, []byte{0xff, 0xff, 0xff}))

	_, err = Open(ctx, testOptions(store))
	assert.ErrorIs(t, err, ErrCorruption)
}
