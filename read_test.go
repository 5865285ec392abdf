package epochkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/epochkv/internal/objstore"
)

// seedRange writes k000..k019 across three flushes and deletes every fifth
// key in the last one.
func seedRange(t *testing.T, db *DB) {
	t.Helper()
	for i := range 20 {
		put(t, db, key(i), "v1")
		if i == 9 {
			flushDB(t, db)
		}
	}
	flushDB(t, db)
	for i := 0; i < 20; i += 5 {
		del(t, db, key(i))
	}
	put(t, db, key(3), "v2")
	flushDB(t, db)
}

func TestScan(t *testing.T) {
	db := openTestDB(t, nil)
	seedRange(t, db)
	ctx := context.Background()

	kvs, err := db.Scan(ctx, []byte(key(4)), []byte(key(11)), nil)
	require.NoError(t, err)
	var keys []string
	for _, kv := range kvs {
		keys = append(keys, string(kv.Key))
	}
	assert.Equal(t, []string{"k004", "k006", "k007", "k008", "k009"}, keys)

	all := scanAll(t, db, nil)
	assert.Len(t, all, 16)
	assert.Equal(t, "v2", all[key(3)])
	assert.NotContains(t, all, key(15))

	// At the second epoch no deletes have happened yet.
	all = scanAll(t, db, &ReadOptions{Epoch: 2})
	assert.Len(t, all, 20)
	assert.Equal(t, "v1", all[key(3)])

	kvs, err = db.Scan(ctx, []byte("z"), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, kvs)
}

func TestScanWithColdBlockCache(t *testing.T) {
	store := objstore.NewMemStore()
	ctx := context.Background()
	db, err := Open(ctx, testOptions(store))
	require.NoError(t, err)
	seedRange(t, db)
	require.NoError(t, db.Close())

	// A reopened engine has read no data blocks yet.
	db = openTestDB(t, testOptions(store))
	all := scanAll(t, db, nil)
	assert.Len(t, all, 16)

	it, err := db.NewIterator(ctx, nil)
	require.NoError(t, err)
	n := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		n++
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	assert.Equal(t, 16, n)
}

func TestIteratorDirections(t *testing.T) {
	db := openTestDB(t, nil)
	seedRange(t, db)

	it, err := db.NewIterator(context.Background(), &ReadOptions{LowerBound: []byte(key(2)), UpperBound: []byte(key(8))})
	require.NoError(t, err)
	defer it.Close()

	var fwd, rev []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		fwd = append(fwd, string(it.Key()))
	}
	for it.SeekToLast(); it.Valid(); it.Prev() {
		rev = append(rev, string(it.Key()))
	}
	require.NoError(t, it.Error())
	assert.Equal(t, []string{"k002", "k003", "k004", "k006", "k007"}, fwd)
	assert.Equal(t, []string{"k007", "k006", "k004", "k003", "k002"}, rev)

	it.Seek([]byte(key(5)))
	require.True(t, it.Valid())
	assert.Equal(t, key(6), string(it.Key()))

	it.SeekForPrev([]byte(key(5)))
	require.True(t, it.Valid())
	assert.Equal(t, key(4), string(it.Key()))

	it.Prev()
	require.True(t, it.Valid())
	assert.Equal(t, key(3), string(it.Key()))
	assert.Equal(t, "v2", string(it.Value()))
}

func TestIteratorHoldsItsSnapshot(t *testing.T) {
	db := openTestDB(t, nil)
	put(t, db, "a", "1")
	flushDB(t, db)

	it, err := db.NewIterator(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, db.State().PinnedSnapshots)

	put(t, db, "a", "2")
	put(t, db, "b", "2")
	flushDB(t, db)

	it.SeekToFirst()
	require.True(t, it.Valid())
	assert.Equal(t, "1", string(it.Value()))
	it.Next()
	assert.False(t, it.Valid())

	require.NoError(t, it.Close())
	assert.Equal(t, 0, db.State().PinnedSnapshots)
}

func TestReadsSpanGroups(t *testing.T) {
	db := openTestDB(t, nil)
	ctx := context.Background()

	put(t, db, "user/1", "old")
	put(t, db, "item/1", "i")
	flushDB(t, db)

	id, err := db.CreateCompactionGroup(ctx, "users", nil, []KeyRange{{Start: []byte("user/"), End: []byte("user0")}})
	require.NoError(t, err)
	assert.Equal(t, id, db.GroupOf([]byte("user/2")))
	assert.Equal(t, DefaultGroupID, db.GroupOf([]byte("item/2")))

	// The newer version lands in the new group; the old one stays in the
	// default group.
	put(t, db, "user/1", "new")
	put(t, db, "user/2", "x")
	flushDB(t, db)

	v, ok := get(t, db, "user/1", nil)
	require.True(t, ok)
	assert.Equal(t, "new", v)

	all := scanAll(t, db, nil)
	assert.Equal(t, map[string]string{"item/1": "i", "user/1": "new", "user/2": "x"}, all)

	groups := db.ListCompactionGroups()
	require.Len(t, groups, 2)
	assert.Equal(t, "users", groups[1].Name)
	assert.Equal(t, 1, groups[1].Tables)

	// Moving the range back routes new writes to the default group again.
	require.NoError(t, db.MoveKeyRange(ctx, DefaultGroupID, KeyRange{Start: []byte("user/"), End: []byte("user0")}))
	assert.Equal(t, DefaultGroupID, db.GroupOf([]byte("user/2")))
	del(t, db, "user/1")
	flushDB(t, db)
	_, ok = get(t, db, "user/1", nil)
	assert.False(t, ok)
	assert.Len(t, scanAll(t, db, nil), 2)
}

func TestReadErrors(t *testing.T) {
	db := openTestDB(t, nil)
	put(t, db, "a", "1")
	flushDB(t, db)

	snap, err := db.GetSnapshot(LatestEpoch)
	require.NoError(t, err)
	snap.Release()
	_, err = db.Get(context.Background(), []byte("a"), &ReadOptions{Snapshot: snap})
	assert.ErrorIs(t, err, ErrSnapshotReleased)

	_, err = db.GetSnapshot(7)
	assert.ErrorIs(t, err, ErrEpochNotCommitted)

	_, err = db.NewIterator(context.Background(), &ReadOptions{Epoch: 7})
	assert.ErrorIs(t, err, ErrEpochNotCommitted)
}
