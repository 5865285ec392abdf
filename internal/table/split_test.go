package table

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/epochkv/internal/compression"
	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/manifest"
)

func TestSplitWriterKeepsUserKeysTogether(t *testing.T) {
	opts := DefaultBuilderOptions()
	opts.Compression = compression.NoCompression
	next := manifest.TableID(10)
	w := NewSplitWriter(opts, 3, 2, 512, func() manifest.TableID {
		next++
		return next
	})

	entries := sortedEntries(200)
	for _, e := range entries {
		require.NoError(t, w.Add(dbformat.MakeFullKey([]byte(e.user), e.epoch, e.kind), []byte(e.value)))
	}
	outs, err := w.Finish()
	require.NoError(t, err)
	require.Greater(t, len(outs), 1)

	var total, size uint64
	for i, out := range outs {
		assert.Equal(t, manifest.TableID(11+i), out.Meta.ID)
		assert.Equal(t, manifest.GroupID(3), out.Meta.GroupID)
		assert.Equal(t, 2, out.Meta.Level)
		assert.Equal(t, uint64(len(out.Data)), out.Meta.Size)
		total += out.Meta.NumEntries
		size += out.Meta.Size
		if i > 0 {
			assert.Negative(t, bytes.Compare(outs[i-1].Meta.Largest, out.Meta.Smallest),
				"tables %d and %d share a user key", i-1, i)
		}
	}
	assert.Equal(t, uint64(len(entries)), total)
	assert.Equal(t, size, w.Bytes())
}

func TestSplitWriterEmpty(t *testing.T) {
	w := NewSplitWriter(DefaultBuilderOptions(), 0, 0, 1<<20, func() manifest.TableID {
		t.Fatal("no table expected")
		return 0
	})
	outs, err := w.Finish()
	require.NoError(t, err)
	assert.Empty(t, outs)
}
