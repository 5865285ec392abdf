package flush

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/memtable"
	"github.com/aalhour/epochkv/internal/objstore"
	"github.com/aalhour/epochkv/internal/table"
	"github.com/aalhour/epochkv/internal/version"
)

type harness struct {
	objects *objstore.FaultStore
	tables  *table.Store
	vs      *version.VersionSet
	buf     *memtable.Buffer
	flusher *Coordinator
	commits int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{objects: objstore.NewFaultStore(objstore.NewMemStore())}
	var err error
	h.tables, err = table.NewStore(h.objects, table.StoreOptions{})
	require.NoError(t, err)
	h.vs, err = version.Open(ctx, version.Options{Store: h.objects, Tables: h.tables, Logger: logging.Discard})
	require.NoError(t, err)
	h.buf = memtable.NewBuffer(h.vs.CommittedEpoch() + 1)
	h.flusher = New(Options{
		Buffer:   h.buf,
		Versions: h.vs,
		Tables:   h.tables,
		Logger:   logging.Discard,
		Builder:  table.DefaultBuilderOptions(),
		Retry:    objstore.RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		OnCommit: func(*version.Version) { h.commits++ },
	})
	return h
}

func (h *harness) tableIDs(t *testing.T) []manifest.TableID {
	t.Helper()
	objs, err := h.objects.List(context.Background(), "sst/")
	require.NoError(t, err)
	var ids []manifest.TableID
	for _, o := range objs {
		id, ok := manifest.ParseTablePath(o.Path)
		require.True(t, ok)
		ids = append(ids, id)
	}
	return ids
}

func (h *harness) get(t *testing.T, key string, e dbformat.Epoch) (string, bool) {
	t.Helper()
	v := h.vs.Current()
	g, ok := v.Group(v.RouteKey([]byte(key)))
	require.True(t, ok)
	for _, m := range g.TablesForKey([]byte(key), e) {
		fk, value, found, err := h.tables.Get(context.Background(), m, []byte(key), e, nil)
		require.NoError(t, err)
		if found {
			if fk.Kind() == dbformat.KindDelete {
				return "", false
			}
			return string(value), true
		}
	}
	return "", false
}

func TestFlushCommitsLevel0Tables(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e1 := h.buf.Put([]byte("a"), []byte("1"))
	h.buf.Put([]byte("b"), []byte("1"))
	got, err := h.flusher.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, e1, got)
	assert.Equal(t, e1, h.vs.CommittedEpoch())

	e2 := h.buf.Put([]byte("a"), []byte("2"))
	h.buf.Delete([]byte("b"))
	got, err = h.flusher.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, e2, got)
	assert.Equal(t, 2, h.commits)
	assert.Empty(t, h.buf.Sealed())

	g, _ := h.vs.Current().Group(manifest.DefaultGroupID)
	require.Len(t, g.Levels[0], 2)
	assert.Equal(t, e2, g.Levels[0][0].MaxEpoch, "newest table first")

	v, ok := h.get(t, "a", e1)
	require.True(t, ok)
	assert.Equal(t, "1", v)
	v, ok = h.get(t, "a", e2)
	require.True(t, ok)
	assert.Equal(t, "2", v)
	_, ok = h.get(t, "b", e2)
	assert.False(t, ok)
	v, ok = h.get(t, "b", e1)
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestFlushEmptyEpochAdvancesCommittedEpoch(t *testing.T) {
	h := newHarness(t)
	got, err := h.flusher.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dbformat.Epoch(1), got)
	assert.Equal(t, dbformat.Epoch(1), h.vs.CommittedEpoch())
	assert.Empty(t, h.tableIDs(t))
}

func TestFlushMergesSeveralSealedEpochs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.buf.Put([]byte("k"), []byte(fmt.Sprint(i)))
		_, err := h.vs.AdvanceEpoch(h.buf.Seal)
		require.NoError(t, err)
	}
	got, err := h.flusher.FlushSealed(ctx)
	require.NoError(t, err)
	assert.Equal(t, dbformat.Epoch(3), got)
	assert.Equal(t, 1, h.commits)

	g, _ := h.vs.Current().Group(manifest.DefaultGroupID)
	require.Len(t, g.Levels[0], 1)
	m := g.Levels[0][0]
	assert.Equal(t, dbformat.Epoch(1), m.MinEpoch)
	assert.Equal(t, dbformat.Epoch(3), m.MaxEpoch)
	assert.Equal(t, uint64(3), m.NumEntries)

	for e := dbformat.Epoch(1); e <= 3; e++ {
		v, ok := h.get(t, "k", e)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(e-1), v)
	}
}

func TestFlushRetriesTransientUploadFailure(t *testing.T) {
	h := newHarness(t)
	h.buf.Put([]byte("a"), []byte("1"))
	h.objects.FailPuts("sst/", 2)

	_, err := h.flusher.Flush(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.tableIDs(t), 1)
	v, ok := h.get(t, "a", 1)
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestFlushRetryReusesTableIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.buf.Put([]byte("a"), []byte("1"))
	h.buf.Put([]byte("z"), []byte("1"))
	h.objects.FailPuts(manifest.Prefix, -1)

	_, err := h.flusher.Flush(ctx)
	require.ErrorIs(t, err, objstore.ErrInjected)
	assert.Equal(t, dbformat.NoEpoch, h.vs.CommittedEpoch(), "no delta on failure")
	assert.True(t, h.flusher.Pending())
	first := h.tableIDs(t)
	require.NotEmpty(t, first)

	h.objects.ClearFaults()
	got, err := h.flusher.FlushSealed(ctx)
	require.NoError(t, err)
	assert.Equal(t, dbformat.Epoch(1), got)
	assert.False(t, h.flusher.Pending())
	assert.ElementsMatch(t, first, h.tableIDs(t), "retry overwrote the same objects")

	var committed []manifest.TableID
	h.vs.Current().ForEachTable(func(m *manifest.TableMeta) { committed = append(committed, m.ID) })
	assert.ElementsMatch(t, first, committed)
}

func TestFlushWhilePaused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.buf.Put([]byte("a"), []byte("1"))

	h.vs.Pause()
	_, err := h.flusher.Flush(ctx)
	require.ErrorIs(t, err, version.ErrClusterPaused)
	assert.Empty(t, h.buf.Sealed(), "open epoch is not sealed while paused")

	h.vs.Resume()
	_, err = h.vs.AdvanceEpoch(h.buf.Seal)
	require.NoError(t, err)
	h.vs.Pause()
	_, err = h.flusher.FlushSealed(ctx)
	require.ErrorIs(t, err, version.ErrClusterPaused)
	assert.Len(t, h.buf.Sealed(), 1, "sealed data is kept")
	assert.Equal(t, dbformat.NoEpoch, h.vs.CommittedEpoch())

	h.vs.Resume()
	got, err := h.flusher.FlushSealed(ctx)
	require.NoError(t, err)
	assert.Equal(t, dbformat.Epoch(1), got)
	v, ok := h.get(t, "a", 1)
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestFlushRoutesKeysToGroups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := manifest.DefaultGroupConfig()
	cfg.Name = "mv"
	cfg.KeyRanges = []dbformat.KeyRange{{Start: []byte("m"), End: []byte("n")}}
	gid, err := h.vs.CreateGroup(ctx, cfg)
	require.NoError(t, err)

	h.buf.Put([]byte("a"), []byte("1"))
	h.buf.Put([]byte("m1"), []byte("1"))
	h.buf.Put([]byte("m2"), []byte("1"))
	h.buf.Put([]byte("z"), []byte("1"))
	_, err = h.flusher.Flush(ctx)
	require.NoError(t, err)

	v := h.vs.Current()
	def, _ := v.Group(manifest.DefaultGroupID)
	mv, _ := v.Group(gid)
	require.Len(t, def.Levels[0], 1)
	require.Len(t, mv.Levels[0], 1)
	assert.Equal(t, uint64(2), def.Levels[0][0].NumEntries)
	assert.Equal(t, "m1", string(mv.Levels[0][0].Smallest))
	assert.Equal(t, "m2", string(mv.Levels[0][0].Largest))
}

func TestFlushSplitsAtTargetFileSize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	target := uint64(2048)
	require.NoError(t, h.vs.UpdateConfig(ctx, []manifest.GroupID{manifest.DefaultGroupID},
		&manifest.ConfigUpdate{TargetFileSize: &target}))

	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 64; i++ {
		value := make([]byte, 256)
		rnd.Read(value)
		h.buf.Put([]byte(fmt.Sprintf("key%03d", i)), value)
	}
	_, err := h.flusher.Flush(ctx)
	require.NoError(t, err)

	g, _ := h.vs.Current().Group(manifest.DefaultGroupID)
	tables := append([]*manifest.TableMeta(nil), g.Levels[0]...)
	require.Greater(t, len(tables), 1)
	var total uint64
	for i, a := range tables {
		total += a.NumEntries
		for _, b := range tables[i+1:] {
			assert.False(t, a.Overlaps(b), "%s overlaps %s", a, b)
		}
	}
	assert.Equal(t, uint64(64), total)
}

func TestPeriodicFlush(t *testing.T) {
	h := newHarness(t)
	h.flusher.opts.Interval = 5 * time.Millisecond
	h.flusher.Start()
	defer h.flusher.Close()

	h.buf.Put([]byte("a"), []byte("1"))
	require.Eventually(t, func() bool {
		_, ok := h.get(t, "a", h.vs.CommittedEpoch())
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}
