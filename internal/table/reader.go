package table

import (
	"bytes"
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aalhour/epochkv/internal/block"
	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/filter"
	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/metrics"
	"github.com/aalhour/epochkv/internal/objstore"
)

type blockKey struct {
	table  manifest.TableID
	offset uint64
}

// BlockCache caches decompressed data blocks across tables.
type BlockCache = lru.Cache[blockKey, *block.Block]

// Reader serves lookups and iteration over one SSTable. Data blocks are
// fetched lazily with ranged reads. A Reader is safe for concurrent use.
type Reader struct {
	meta   *manifest.TableMeta
	obj    objstore.Store
	blocks *BlockCache
	filter *filter.Reader
	index  *block.Block
	props  *manifest.TableMeta
}

// OpenReader reads the footer and the meta region of the table described by
// meta. blocks may be nil.
func OpenReader(ctx context.Context, obj objstore.Store, meta *manifest.TableMeta, blocks *BlockCache, stats *metrics.ReadStats) (*Reader, error) {
	size := meta.Size
	path := meta.Path()
	start := time.Now()
	defer func() {
		if stats != nil {
			stats.RemoteIO += time.Since(start)
		}
	}()
	if size == 0 {
		info, err := obj.Stat(ctx, path)
		if err != nil {
			return nil, err
		}
		size = uint64(info.Size)
	}
	if size < FooterSize {
		return nil, fmt.Errorf("%w: table %d is %d bytes", ErrCorruption, meta.ID, size)
	}
	fdata, err := obj.GetRange(ctx, path, int64(size-FooterSize), FooterSize)
	if err != nil {
		return nil, err
	}
	f, err := decodeFooter(fdata)
	if err != nil {
		return nil, fmt.Errorf("table %d: %w", meta.ID, err)
	}
	region := f.metaRegion()
	if region.Offset+region.Size > size-FooterSize {
		return nil, fmt.Errorf("%w: table %d meta region out of range", ErrCorruption, meta.ID)
	}
	rdata, err := obj.GetRange(ctx, path, int64(region.Offset), int64(region.Size))
	if err != nil {
		return nil, err
	}

	r := &Reader{meta: meta, obj: obj, blocks: blocks}
	raw := make([][]byte, 3)
	for i, h := range []block.Handle{f.filter, f.index, f.props} {
		stored, err := sliceBlock(rdata, region.Offset, h)
		if err != nil {
			return nil, err
		}
		if raw[i], err = decodeBlock(stored); err != nil {
			return nil, fmt.Errorf("table %d: %w", meta.ID, err)
		}
	}
	if len(raw[0]) > 0 {
		r.filter = filter.NewReader(raw[0])
	}
	if r.index, err = block.NewBlock(raw[1]); err != nil {
		return nil, fmt.Errorf("%w: table %d index: %v", ErrCorruption, meta.ID, err)
	}
	if r.props, err = manifest.DecodeTableMeta(raw[2]); err != nil {
		return nil, fmt.Errorf("%w: table %d properties: %v", ErrCorruption, meta.ID, err)
	}
	r.props.Size = size
	return r, nil
}

// Meta returns the metadata the reader was opened with.
func (r *Reader) Meta() *manifest.TableMeta { return r.meta }

// Properties returns the summary stored inside the table itself.
func (r *Reader) Properties() *manifest.TableMeta { return r.props }

// MayContain consults the bloom filter.
func (r *Reader) MayContain(userKey []byte) bool {
	return r.filter.MayContain(userKey)
}

// Get returns the newest entry for userKey with epoch <= e. The returned key
// and value are owned by the caller.
func (r *Reader) Get(ctx context.Context, userKey []byte, e dbformat.Epoch, stats *metrics.ReadStats) (dbformat.FullKey, []byte, bool, error) {
	if r.filter != nil {
		if !r.filter.MayContain(userKey) {
			if stats != nil {
				stats.BloomTrueNegative++
			}
			return nil, nil, false, nil
		}
		if stats != nil {
			stats.BloomMightPositive++
		}
	}

	target := dbformat.SeekKey(userKey, e)
	ii := r.index.NewIterator(dbformat.Compare)
	for ii.Seek(target); ii.Valid(); ii.Next() {
		b, err := r.dataBlock(ctx, ii.Value(), stats)
		if err != nil {
			return nil, nil, false, err
		}
		it := b.NewIterator(dbformat.Compare)
		it.Seek(target)
		if err := it.Error(); err != nil {
			return nil, nil, false, fmt.Errorf("%w: table %d: %v", ErrCorruption, r.meta.ID, err)
		}
		if !it.Valid() {
			continue
		}
		if stats != nil {
			stats.ProcessedKeys++
		}
		if !bytes.Equal(dbformat.UserKey(it.Key()), userKey) {
			return nil, nil, false, nil
		}
		key := append(dbformat.FullKey(nil), it.Key()...)
		return key, append([]byte(nil), it.Value()...), true, nil
	}
	if err := ii.Error(); err != nil {
		return nil, nil, false, fmt.Errorf("%w: table %d index: %v", ErrCorruption, r.meta.ID, err)
	}
	return nil, nil, false, nil
}

func (r *Reader) dataBlock(ctx context.Context, encodedHandle []byte, stats *metrics.ReadStats) (*block.Block, error) {
	h, _, err := block.DecodeHandle(encodedHandle)
	if err != nil {
		return nil, fmt.Errorf("%w: table %d: %v", ErrCorruption, r.meta.ID, err)
	}
	if stats != nil {
		stats.DataBlockTotal++
	}
	key := blockKey{table: r.meta.ID, offset: h.Offset}
	if r.blocks != nil {
		if b, ok := r.blocks.Get(key); ok {
			return b, nil
		}
	}
	if stats != nil {
		stats.DataBlockMiss++
	}

	start := time.Now()
	stored, err := r.obj.GetRange(ctx, r.meta.Path(), int64(h.Offset), int64(h.Size+BlockTrailerSize))
	if stats != nil {
		stats.RemoteIO += time.Since(start)
	}
	if err != nil {
		return nil, err
	}
	raw, err := decodeBlock(stored)
	if err != nil {
		return nil, fmt.Errorf("table %d block @%d: %w", r.meta.ID, h.Offset, err)
	}
	b, err := block.NewBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: table %d block @%d: %v", ErrCorruption, r.meta.ID, h.Offset, err)
	}
	if r.blocks != nil {
		r.blocks.Add(key, b)
	}
	return b, nil
}

// NewIterator returns an iterator over every entry of the table. ctx bounds
// the block fetches the iterator performs.
func (r *Reader) NewIterator(ctx context.Context, stats *metrics.ReadStats) *Iterator {
	return &Iterator{r: r, ctx: ctx, stats: stats, index: r.index.NewIterator(dbformat.Compare)}
}
