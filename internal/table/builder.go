package table

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aalhour/epochkv/internal/block"
	"github.com/aalhour/epochkv/internal/compression"
	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/filter"
	"github.com/aalhour/epochkv/internal/manifest"
)

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	// BlockSize is the target uncompressed data block size (default 4 KiB).
	BlockSize int

	// RestartInterval is the number of keys between restart points (default 16).
	RestartInterval int

	// BloomBitsPerKey sizes the filter; 0 disables it (default 10).
	BloomBitsPerKey int

	Compression compression.Type
}

// DefaultBuilderOptions returns the options used when none are given.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		BlockSize:       4096,
		RestartInterval: 16,
		BloomBitsPerKey: 10,
		Compression:     compression.SnappyCompression,
	}
}

var errOutOfOrder = errors.New("table: keys added out of order")

// Builder accumulates one SSTable in memory. Full keys must be added in
// strictly increasing dbformat.Compare order.
type Builder struct {
	opts   BuilderOptions
	buf    []byte
	data   *block.Builder
	index  *block.Builder
	filter *filter.Builder

	pendingIndex  bool
	pendingHandle block.Handle
	lastKey       []byte

	smallest     []byte
	lastUser     []byte
	minEpoch     dbformat.Epoch
	maxEpoch     dbformat.Epoch
	numEntries   uint64
	numDeletions uint64

	err      error
	finished bool
}

// NewBuilder creates a Builder.
func NewBuilder(opts BuilderOptions) *Builder {
	def := DefaultBuilderOptions()
	if opts.BlockSize <= 0 {
		opts.BlockSize = def.BlockSize
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = def.RestartInterval
	}
	b := &Builder{
		opts:     opts,
		data:     block.NewBuilder(opts.RestartInterval),
		index:    block.NewBuilder(1),
		minEpoch: dbformat.MaxEpoch,
	}
	if opts.BloomBitsPerKey > 0 {
		b.filter = filter.NewBuilder(opts.BloomBitsPerKey)
	}
	return b
}

// Add appends an entry.
func (b *Builder) Add(key dbformat.FullKey, value []byte) error {
	if b.err != nil {
		return b.err
	}
	if b.finished {
		return errors.New("table: Add called after Finish")
	}
	pk, err := dbformat.Parse(key)
	if err != nil {
		b.err = err
		return err
	}
	if b.lastKey != nil && dbformat.Compare(b.lastKey, key) >= 0 {
		b.err = fmt.Errorf("%w: %s after %s", errOutOfOrder, pk, dbformat.FullKey(b.lastKey).UserKey())
		return b.err
	}

	if b.pendingIndex {
		b.index.Add(b.lastKey, b.pendingHandle.EncodeTo(nil))
		b.pendingIndex = false
	}

	if b.numEntries == 0 {
		b.smallest = append([]byte(nil), pk.UserKey...)
	}
	if b.filter != nil && !bytes.Equal(b.lastUser, pk.UserKey) {
		b.filter.AddKey(pk.UserKey)
	}
	b.lastUser = append(b.lastUser[:0], pk.UserKey...)
	b.lastKey = append(b.lastKey[:0], key...)
	b.minEpoch = min(b.minEpoch, pk.Epoch)
	b.maxEpoch = max(b.maxEpoch, pk.Epoch)
	b.numEntries++
	if pk.Kind == dbformat.KindDelete {
		b.numDeletions++
	}

	b.data.Add(key, value)
	if b.data.EstimatedSize() >= b.opts.BlockSize {
		b.flushDataBlock()
	}
	return b.err
}

func (b *Builder) flushDataBlock() {
	if b.data.Empty() {
		return
	}
	var h block.Handle
	b.buf, h, b.err = appendBlock(b.buf, b.data.Finish(), b.opts.Compression)
	b.data.Reset()
	b.pendingHandle = h
	b.pendingIndex = true
}

// EstimatedSize approximates the table size if finished now.
func (b *Builder) EstimatedSize() uint64 {
	return uint64(len(b.buf) + b.data.EstimatedSize())
}

// NumEntries returns the number of entries added.
func (b *Builder) NumEntries() uint64 { return b.numEntries }

// LastUserKey returns the user key of the last entry added.
func (b *Builder) LastUserKey() []byte { return b.lastUser }

// Finish completes the table and returns its bytes and metadata. The
// metadata's Level is left at 0.
func (b *Builder) Finish(id manifest.TableID, group manifest.GroupID) ([]byte, *manifest.TableMeta, error) {
	if b.err != nil {
		return nil, nil, b.err
	}
	if b.finished {
		return nil, nil, errors.New("table: Finish called twice")
	}
	if b.numEntries == 0 {
		return nil, nil, errors.New("table: empty table")
	}
	b.finished = true

	b.flushDataBlock()
	if b.pendingIndex {
		b.index.Add(b.lastKey, b.pendingHandle.EncodeTo(nil))
		b.pendingIndex = false
	}

	var f footer
	var filterData []byte
	if b.filter != nil {
		filterData = b.filter.Finish()
	}
	steps := []struct {
		raw []byte
		h   *block.Handle
		c   compression.Type
	}{
		{filterData, &f.filter, compression.NoCompression},
		{b.index.Finish(), &f.index, b.opts.Compression},
		{nil, &f.props, compression.NoCompression},
	}
	meta := &manifest.TableMeta{
		ID:           id,
		GroupID:      group,
		Smallest:     b.smallest,
		Largest:      append([]byte(nil), b.lastUser...),
		MinEpoch:     b.minEpoch,
		MaxEpoch:     b.maxEpoch,
		NumEntries:   b.numEntries,
		NumDeletions: b.numDeletions,
	}
	steps[2].raw = manifest.EncodeTableMeta(meta)
	for _, s := range steps {
		var err error
		if b.buf, *s.h, err = appendBlock(b.buf, s.raw, s.c); err != nil {
			return nil, nil, err
		}
	}
	b.buf = append(b.buf, f.encode()...)
	meta.Size = uint64(len(b.buf))
	return b.buf, meta, nil
}
