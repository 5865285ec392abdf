package epochkv

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/iterator"
	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/metrics"
	"github.com/aalhour/epochkv/internal/version"
)

// KeyValue is one entry returned by Scan.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Get returns the newest value of key at the read epoch. It returns
// ErrNotFound when the key has no version there or its newest version is a
// tombstone.
func (db *DB) Get(ctx context.Context, key []byte, ro *ReadOptions) ([]byte, error) {
	snap, release, err := db.pin(ro)
	if err != nil {
		return nil, err
	}
	defer release()
	stats := &metrics.ReadStats{}
	defer db.m.ReportRead("get", stats)

	e := snap.Epoch()
	var (
		found     bool
		bestEpoch dbformat.Epoch
		bestKind  dbformat.Kind
		bestValue []byte
	)
	// A key moved between groups may have versions in several of them;
	// within a group the first hit is the newest.
	for _, g := range snap.Version().Groups() {
		for _, t := range g.TablesForKey(key, e) {
			fk, value, ok, err := db.tables.Get(ctx, t, key, e, stats)
			if err != nil {
				db.logger.Errorf(logging.NSRead+"get from table %d: %v", t.ID, err)
				return nil, fmt.Errorf("epochkv: read table %d: %w", t.ID, err)
			}
			if !ok {
				continue
			}
			if !found || fk.Epoch() > bestEpoch {
				found, bestEpoch, bestKind, bestValue = true, fk.Epoch(), fk.Kind(), value
			}
			break
		}
	}
	if !found || bestKind == dbformat.KindDelete {
		return nil, ErrNotFound
	}
	return append([]byte(nil), bestValue...), nil
}

// Scan returns the visible entries in [start, end) at the read epoch in key
// order. A nil end is unbounded. Bounds in ro are ignored.
func (db *DB) Scan(ctx context.Context, start, end []byte, ro *ReadOptions) ([]KeyValue, error) {
	var opts ReadOptions
	if ro != nil {
		opts = *ro
	}
	opts.LowerBound, opts.UpperBound = start, end
	it, err := db.newIterator(ctx, &opts, "scan")
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []KeyValue
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out = append(out, KeyValue{
			Key:   append([]byte(nil), it.Key()...),
			Value: append([]byte(nil), it.Value()...),
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// NewIterator returns an iterator over the visible keys at the read epoch,
// restricted to ro's bounds. The iterator must be closed.
func (db *DB) NewIterator(ctx context.Context, ro *ReadOptions) (*Iterator, error) {
	return db.newIterator(ctx, ro, "iter")
}

func (db *DB) newIterator(ctx context.Context, ro *ReadOptions, op string) (*Iterator, error) {
	snap, release, err := db.pin(ro)
	if err != nil {
		return nil, err
	}
	var lower, upper []byte
	if ro != nil {
		lower, upper = ro.LowerBound, ro.UpperBound
	}
	tables := candidateTables(snap.Version(), snap.Epoch(), dbformat.KeyRange{Start: lower, End: upper})

	children := make([]iterator.Iterator, len(tables))
	stats := make([]*metrics.ReadStats, len(tables)+1)
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tables {
		g.Go(func() error {
			if err := db.readSem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer db.readSem.Release(1)
			st := &metrics.ReadStats{}
			it, err := db.tables.NewIterator(ctx, t, st)
			if err != nil {
				return fmt.Errorf("epochkv: open table %d: %w", t.ID, err)
			}
			children[i], stats[i] = it, st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		release()
		return nil, err
	}

	user := &metrics.ReadStats{}
	stats[len(tables)] = user
	merged := iterator.NewMergingIterator(children, dbformat.Compare)
	return &Iterator{
		db:      db,
		op:      op,
		iter:    iterator.NewUserKeyIterator(merged, snap.Epoch(), lower, upper, user),
		stats:   stats,
		release: release,
	}, nil
}

// candidateTables returns every table of v that may hold a version at or
// below e of a key in r.
func candidateTables(v *version.Version, e dbformat.Epoch, r dbformat.KeyRange) []*manifest.TableMeta {
	var out []*manifest.TableMeta
	for _, g := range v.Groups() {
		for _, level := range g.Levels {
			for _, t := range level {
				if t.MinEpoch <= e && r.IntersectsInclusive(t.Smallest, t.Largest) {
					out = append(out, t)
				}
			}
		}
	}
	return out
}
