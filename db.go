package epochkv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aalhour/epochkv/internal/compaction"
	"github.com/aalhour/epochkv/internal/flush"
	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/memtable"
	"github.com/aalhour/epochkv/internal/metrics"
	"github.com/aalhour/epochkv/internal/objstore"
	"github.com/aalhour/epochkv/internal/table"
	"github.com/aalhour/epochkv/internal/version"
)

// DB is an open engine.
type DB struct {
	opts   Options
	logger logging.Logger
	m      *metrics.Metrics

	store    objstore.Store
	ownStore bool
	tables   *table.Store
	vs       *version.VersionSet
	buffer   *memtable.Buffer

	flusher   *flush.Coordinator
	compactor *compaction.Scheduler
	readSem   *semaphore.Weighted

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens the engine stored at opts.URL or opts.Store, recovering the
// manifest when one exists. A nil opts uses DefaultOptions.
func Open(ctx context.Context, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	o.sanitize()
	if err := o.Validate(); err != nil {
		return nil, err
	}

	logger := o.Logger
	if logging.IsNil(logger) {
		logger = logging.NewDefaultLogger(logging.LevelInfo)
	}
	db := &DB{
		opts:    o,
		logger:  logger,
		m:       metrics.New(o.Registerer),
		store:   o.Store,
		readSem: semaphore.NewWeighted(int64(o.ReadParallelism)),
	}
	if db.store == nil {
		s, err := objstore.Open(ctx, o.URL)
		if err != nil {
			return nil, err
		}
		db.store, db.ownStore = s, true
	}

	var err error
	db.tables, err = table.NewStore(db.store, table.StoreOptions{
		BlockCacheEntries: o.BlockCacheEntries,
		MetaCacheEntries:  o.MetaCacheEntries,
	})
	if err != nil {
		db.closeStore()
		return nil, err
	}
	db.vs, err = version.Open(ctx, version.Options{
		Store:              db.store,
		Tables:             db.tables,
		Logger:             logger,
		Metrics:            db.m,
		CheckpointInterval: o.CheckpointInterval,
		GCSafetyMargin:     o.GCSafetyMargin,
		DefaultGroup:       o.DefaultGroup,
	})
	if err != nil {
		db.closeStore()
		return nil, fmt.Errorf("epochkv: open manifest: %w", err)
	}
	db.buffer = memtable.NewBuffer(db.vs.CommittedEpoch() + 1)

	builder := table.DefaultBuilderOptions()
	builder.BlockSize = o.BlockSize
	builder.BloomBitsPerKey = max(o.BloomFilterBitsPerKey, 0)

	db.compactor = compaction.NewScheduler(compaction.Options{
		Versions:           db.vs,
		Tables:             db.tables,
		Logger:             logger,
		Metrics:            db.m,
		Workers:            o.CompactionWorkers,
		QueueSize:          o.CompactionQueueSize,
		Interval:           o.CompactionInterval,
		MaxConflictRetries: o.MaxConflictRetries,
		Builder:            builder,
		Retry:              o.Retry,
	})
	db.flusher = flush.New(flush.Options{
		Buffer:   db.buffer,
		Versions: db.vs,
		Tables:   db.tables,
		Logger:   logger,
		Metrics:  db.m,
		Builder:  builder,
		Retry:    o.Retry,
		Interval: o.FlushInterval,
		OnCommit: func(*version.Version) { db.compactor.Trigger() },
	})

	db.flusher.Start()
	if !o.DisableAutoCompactions {
		db.compactor.Start()
		db.compactor.Trigger()
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	if o.GCInterval > 0 {
		db.wg.Add(1)
		go db.gcLoop(bgCtx)
	}
	logger.Infof(logging.NSDB+"opened at epoch %d", db.vs.CommittedEpoch())
	return db, nil
}

// Close flushes buffered writes, stops background work and releases the
// object store if Open created it. Writes that cannot be flushed, because
// the cluster is paused or the store fails, are lost.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	db.flusher.Close()
	if db.buffer.ApproximateSize() > 0 || len(db.buffer.Sealed()) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := db.flusher.Flush(ctx); err != nil {
			db.logger.Warnf(logging.NSDB+"final flush failed, unflushed writes are dropped: %v", err)
		}
		cancel()
	}
	db.compactor.Close()
	db.cancel()
	db.wg.Wait()
	db.logger.Infof(logging.NSDB+"closed at epoch %d", db.vs.CommittedEpoch())
	return db.closeStore()
}

func (db *DB) closeStore() error {
	if db.ownStore {
		return db.store.Close()
	}
	return nil
}

func (db *DB) gcLoop(ctx context.Context) {
	defer db.wg.Done()
	t := time.NewTicker(db.opts.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := db.vs.CollectGarbage(ctx); err != nil && ctx.Err() == nil {
				db.logger.Warnf(logging.NSGC+"collection failed: %v", err)
			}
		}
	}
}

// Put writes key in the open write epoch and returns that epoch. The write
// becomes readable once the epoch is flushed.
func (db *DB) Put(key, value []byte) (Epoch, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}
	return db.buffer.Put(key, value), nil
}

// Delete writes a tombstone for key in the open write epoch.
func (db *DB) Delete(key []byte) (Epoch, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}
	return db.buffer.Delete(key), nil
}

// CurrentEpoch returns the open write epoch.
func (db *DB) CurrentEpoch() Epoch { return db.buffer.CurrentEpoch() }

// CommittedEpoch returns the highest readable epoch.
func (db *DB) CommittedEpoch() Epoch { return db.vs.CommittedEpoch() }
