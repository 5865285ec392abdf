package table

import (
	"context"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/aalhour/epochkv/internal/block"
	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/metrics"
	"github.com/aalhour/epochkv/internal/objstore"
)

// StoreOptions sizes the caches of a Store.
type StoreOptions struct {
	// BlockCacheEntries bounds the number of decompressed data blocks kept.
	BlockCacheEntries int

	// MetaCacheEntries bounds the number of open readers kept.
	MetaCacheEntries int
}

// Store uploads, opens and deletes SSTables by id. Open readers and data
// blocks are shared through LRU caches.
type Store struct {
	obj     objstore.Store
	blocks  *BlockCache
	readers *lru.Cache[manifest.TableID, *Reader]
	opening singleflight.Group
}

// NewStore creates a Store over obj.
func NewStore(obj objstore.Store, opts StoreOptions) (*Store, error) {
	if opts.BlockCacheEntries <= 0 {
		opts.BlockCacheEntries = 4096
	}
	if opts.MetaCacheEntries <= 0 {
		opts.MetaCacheEntries = 1024
	}
	blocks, err := lru.New[blockKey, *block.Block](opts.BlockCacheEntries)
	if err != nil {
		return nil, err
	}
	readers, err := lru.New[manifest.TableID, *Reader](opts.MetaCacheEntries)
	if err != nil {
		return nil, err
	}
	return &Store{obj: obj, blocks: blocks, readers: readers}, nil
}

// Objects returns the underlying object store.
func (s *Store) Objects() objstore.Store { return s.obj }

// Put uploads a finished table. Uploading the same id again overwrites the
// object, which keeps retried flushes and compactions idempotent.
func (s *Store) Put(ctx context.Context, id manifest.TableID, data []byte) error {
	s.readers.Remove(id)
	return s.obj.Put(ctx, id.ObjectPath(), data)
}

// Delete removes a table object and evicts its reader.
func (s *Store) Delete(ctx context.Context, id manifest.TableID) error {
	s.readers.Remove(id)
	return s.obj.Delete(ctx, id.ObjectPath())
}

// Open returns a reader for meta, from the meta cache when possible.
// Concurrent opens of the same table share one fetch.
func (s *Store) Open(ctx context.Context, meta *manifest.TableMeta, stats *metrics.ReadStats) (*Reader, error) {
	if stats != nil {
		stats.MetaTotal++
	}
	if r, ok := s.readers.Get(meta.ID); ok {
		return r, nil
	}
	if stats != nil {
		stats.MetaMiss++
	}
	v, err, _ := s.opening.Do(strconv.FormatUint(uint64(meta.ID), 10), func() (any, error) {
		r, err := OpenReader(ctx, s.obj, meta, s.blocks, stats)
		if err != nil {
			return nil, err
		}
		s.readers.Add(meta.ID, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Reader), nil
}

// Get looks up userKey at epoch e in one table.
func (s *Store) Get(ctx context.Context, meta *manifest.TableMeta, userKey []byte, e dbformat.Epoch, stats *metrics.ReadStats) (dbformat.FullKey, []byte, bool, error) {
	r, err := s.Open(ctx, meta, stats)
	if err != nil {
		return nil, nil, false, err
	}
	return r.Get(ctx, userKey, e, stats)
}

// NewIterator opens meta and returns an iterator over it.
func (s *Store) NewIterator(ctx context.Context, meta *manifest.TableMeta, stats *metrics.ReadStats) (*Iterator, error) {
	r, err := s.Open(ctx, meta, stats)
	if err != nil {
		return nil, err
	}
	return r.NewIterator(ctx, stats), nil
}
