package table

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/epochkv/internal/compression"
	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/metrics"
	"github.com/aalhour/epochkv/internal/objstore"
)

type entry struct {
	user  string
	epoch dbformat.Epoch
	kind  dbformat.Kind
	value string
}

// sortedEntries returns n keys each with versions at epochs 3 (put), 2
// (delete, every fifth key) and 1 (put), in full-key order.
func sortedEntries(n int) []entry {
	var out []entry
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key%05d", i)
		out = append(out, entry{k, 3, dbformat.KindPut, "v3-" + k})
		if i%5 == 0 {
			out = append(out, entry{k, 2, dbformat.KindDelete, ""})
		}
		out = append(out, entry{k, 1, dbformat.KindPut, "v1-" + k})
	}
	return out
}

func buildTable(t *testing.T, opts BuilderOptions, id manifest.TableID, entries []entry) ([]byte, *manifest.TableMeta) {
	t.Helper()
	b := NewBuilder(opts)
	for _, e := range entries {
		require.NoError(t, b.Add(dbformat.MakeFullKey([]byte(e.user), e.epoch, e.kind), []byte(e.value)))
	}
	data, meta, err := b.Finish(id, 2)
	require.NoError(t, err)
	return data, meta
}

func newStore(t *testing.T) (*Store, *objstore.MemStore) {
	t.Helper()
	mem := objstore.NewMemStore()
	s, err := NewStore(mem, StoreOptions{BlockCacheEntries: 64, MetaCacheEntries: 8})
	require.NoError(t, err)
	return s, mem
}

func TestBuilderMeta(t *testing.T) {
	entries := sortedEntries(100)
	data, meta := buildTable(t, DefaultBuilderOptions(), 7, entries)

	assert.Equal(t, manifest.TableID(7), meta.ID)
	assert.Equal(t, manifest.GroupID(2), meta.GroupID)
	assert.Equal(t, "key00000", string(meta.Smallest))
	assert.Equal(t, "key00099", string(meta.Largest))
	assert.Equal(t, dbformat.Epoch(1), meta.MinEpoch)
	assert.Equal(t, dbformat.Epoch(3), meta.MaxEpoch)
	assert.Equal(t, uint64(len(entries)), meta.NumEntries)
	assert.Equal(t, uint64(20), meta.NumDeletions)
	assert.Equal(t, uint64(len(data)), meta.Size)
}

func TestBuilderRejectsOutOfOrder(t *testing.T) {
	b := NewBuilder(DefaultBuilderOptions())
	require.NoError(t, b.Add(dbformat.MakeFullKey([]byte("b"), 5, dbformat.KindPut), nil))
	err := b.Add(dbformat.MakeFullKey([]byte("a"), 5, dbformat.KindPut), nil)
	require.ErrorIs(t, err, errOutOfOrder)
	// Same user key at a newer epoch sorts first, so it is also out of order.
	b = NewBuilder(DefaultBuilderOptions())
	require.NoError(t, b.Add(dbformat.MakeFullKey([]byte("a"), 5, dbformat.KindPut), nil))
	require.Error(t, b.Add(dbformat.MakeFullKey([]byte("a"), 6, dbformat.KindPut), nil))

	_, _, err = NewBuilder(DefaultBuilderOptions()).Finish(1, 0)
	require.Error(t, err, "empty table")
}

func TestReaderGet(t *testing.T) {
	for _, c := range []compression.Type{compression.NoCompression, compression.SnappyCompression, compression.LZ4Compression, compression.ZstdCompression} {
		t.Run(c.String(), func(t *testing.T) {
			ctx := context.Background()
			s, _ := newStore(t)
			opts := DefaultBuilderOptions()
			opts.BlockSize = 256
			opts.Compression = c
			data, meta := buildTable(t, opts, 1, sortedEntries(200))
			require.NoError(t, s.Put(ctx, meta.ID, data))

			stats := &metrics.ReadStats{}
			key, val, ok, err := s.Get(ctx, meta, []byte("key00042"), 5, stats)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, dbformat.Epoch(3), key.Epoch())
			assert.Equal(t, "v3-key00042", string(val))

			key, _, ok, err = s.Get(ctx, meta, []byte("key00040"), 2, stats)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, dbformat.KindDelete, key.Kind())

			_, val, ok, err = s.Get(ctx, meta, []byte("key00042"), 2, stats)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v1-key00042", string(val))

			_, _, ok, err = s.Get(ctx, meta, []byte("key00042"), dbformat.NoEpoch, stats)
			require.NoError(t, err)
			assert.False(t, ok, "nothing is visible at epoch 0")

			_, _, ok, err = s.Get(ctx, meta, []byte("nope"), 5, stats)
			require.NoError(t, err)
			assert.False(t, ok)

			assert.Equal(t, uint64(5), stats.MetaTotal)
			assert.Equal(t, uint64(1), stats.MetaMiss)
			assert.GreaterOrEqual(t, stats.BloomMightPositive, uint64(4))
		})
	}
}

func TestReaderBloomTrueNegative(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	data, meta := buildTable(t, DefaultBuilderOptions(), 1, sortedEntries(500))
	require.NoError(t, s.Put(ctx, meta.ID, data))

	stats := &metrics.ReadStats{}
	for i := 0; i < 200; i++ {
		_, _, ok, err := s.Get(ctx, meta, []byte(fmt.Sprintf("absent%05d", i)), 5, stats)
		require.NoError(t, err)
		require.False(t, ok)
	}
	assert.Greater(t, stats.BloomTrueNegative, uint64(150))
	assert.Equal(t, uint64(200), stats.BloomTrueNegative+stats.BloomMightPositive)
}

func TestIteratorForwardAndReverse(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	opts := DefaultBuilderOptions()
	opts.BlockSize = 128
	entries := sortedEntries(150)
	data, meta := buildTable(t, opts, 3, entries)
	require.NoError(t, s.Put(ctx, meta.ID, data))

	it, err := s.NewIterator(ctx, meta, nil)
	require.NoError(t, err)

	var i int
	for it.SeekToFirst(); it.Valid(); it.Next() {
		pk, err := dbformat.Parse(it.Key())
		require.NoError(t, err)
		require.Equal(t, entries[i].user, string(pk.UserKey))
		require.Equal(t, entries[i].epoch, pk.Epoch)
		require.Equal(t, entries[i].value, string(it.Value()))
		i++
	}
	require.NoError(t, it.Error())
	require.Equal(t, len(entries), i)

	i = len(entries) - 1
	for it.SeekToLast(); it.Valid(); it.Prev() {
		require.Equal(t, entries[i].user, string(dbformat.UserKey(it.Key())))
		require.Equal(t, entries[i].epoch, dbformat.EpochOf(it.Key()))
		i--
	}
	require.NoError(t, it.Error())
	require.Equal(t, -1, i)

	it.Seek(dbformat.SeekKey([]byte("key00077"), 2))
	require.True(t, it.Valid())
	assert.Equal(t, "key00077", string(dbformat.UserKey(it.Key())))
	assert.Equal(t, dbformat.Epoch(1), dbformat.EpochOf(it.Key()))

	it.Seek(dbformat.SeekKey([]byte("zzz"), 9))
	assert.False(t, it.Valid())
}

func TestCorruptionDetected(t *testing.T) {
	ctx := context.Background()
	s, mem := newStore(t)
	opts := DefaultBuilderOptions()
	opts.Compression = compression.NoCompression
	data, meta := buildTable(t, opts, 9, sortedEntries(50))

	bad := append([]byte(nil), data...)
	bad[10] ^= 0xff
	require.NoError(t, mem.Put(ctx, meta.Path(), bad))
	_, _, _, err := s.Get(ctx, meta, []byte("key00000"), 5, nil)
	require.ErrorIs(t, err, ErrCorruption)

	bad = append([]byte(nil), data...)
	bad[len(bad)-1] ^= 0xff
	require.NoError(t, s.Put(ctx, meta.ID, bad))
	_, err = s.Open(ctx, meta, nil)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestTruncatedTableRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	data, meta := buildTable(t, DefaultBuilderOptions(), 11, sortedEntries(20))

	short := *meta
	short.Size = FooterSize - 1
	require.NoError(t, s.Put(ctx, short.ID, data[:short.Size]))
	_, err := s.Open(ctx, &short, nil)
	require.ErrorIs(t, err, ErrCorruption)

	// A table of exactly one footer has no room for its meta blocks.
	foot := *meta
	foot.Size = FooterSize
	require.NoError(t, s.Put(ctx, foot.ID, data[len(data)-FooterSize:]))
	_, err = s.Open(ctx, &foot, nil)
	require.ErrorIs(t, err, ErrCorruption)
}

func TestStoreMissingTable(t *testing.T) {
	s, _ := newStore(t)
	meta := &manifest.TableMeta{ID: 404}
	_, err := s.Open(context.Background(), meta, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, objstore.ErrNotFound))
}

func TestStoreDeleteEvicts(t *testing.T) {
	ctx := context.Background()
	s, mem := newStore(t)
	data, meta := buildTable(t, DefaultBuilderOptions(), 5, sortedEntries(10))
	require.NoError(t, s.Put(ctx, meta.ID, data))
	_, err := s.Open(ctx, meta, nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, meta.ID))
	assert.Equal(t, 0, mem.Len())
	_, err = s.Open(ctx, meta, nil)
	require.Error(t, err)
}

func TestBlockCacheHits(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	data, meta := buildTable(t, DefaultBuilderOptions(), 1, sortedEntries(20))
	require.NoError(t, s.Put(ctx, meta.ID, data))

	first := &metrics.ReadStats{}
	_, _, _, err := s.Get(ctx, meta, []byte("key00003"), 5, first)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.DataBlockMiss)

	second := &metrics.ReadStats{}
	_, _, _, err = s.Get(ctx, meta, []byte("key00003"), 5, second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.DataBlockTotal)
	assert.Equal(t, uint64(0), second.DataBlockMiss)
	assert.Equal(t, uint64(0), second.MetaMiss)
}
