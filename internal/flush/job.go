// Package flush turns sealed write-buffer epochs into level-0 SSTables and
// commits them to the manifest.
//
// This package is internal and not part of the public API.
package flush

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/iterator"
	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/memtable"
	"github.com/aalhour/epochkv/internal/table"
	"github.com/aalhour/epochkv/internal/version"
)

// ErrNoSealedEpochs is returned when there is nothing to flush.
var ErrNoSealedEpochs = errors.New("flush: no sealed epochs")

// Job is one flush task: the sealed epochs it covers and the tables built
// from them. A job is built once; retries upload the same bytes under the
// same table ids.
type Job struct {
	epoch   dbformat.Epoch
	epochs  int
	outputs []table.Output
	bytes   uint64
}

// Epoch returns the highest epoch the job covers.
func (j *Job) Epoch() dbformat.Epoch { return j.epoch }

// Outputs returns the built tables.
func (j *Job) Outputs() []table.Output { return j.outputs }

// buildJob merges the sealed tables and writes one run of L0 tables per
// group that owns at least one key. Keys are routed with v.
func buildJob(v *version.Version, sealed []*memtable.Table, opts table.BuilderOptions, alloc func() manifest.TableID) (*Job, error) {
	if len(sealed) == 0 {
		return nil, ErrNoSealedEpochs
	}
	j := &Job{epoch: sealed[len(sealed)-1].Epoch(), epochs: len(sealed)}

	children := make([]iterator.Iterator, len(sealed))
	for i, t := range sealed {
		children[i] = t.NewIterator()
	}
	it := iterator.NewMergingIterator(children, dbformat.Compare)

	writers := make(map[manifest.GroupID]*table.SplitWriter)
	var order []manifest.GroupID
	for it.SeekToFirst(); it.Valid(); it.Next() {
		key := dbformat.FullKey(it.Key())
		gid := v.RouteKey(key.UserKey())
		w, ok := writers[gid]
		if !ok {
			g, ok := v.Group(gid)
			if !ok {
				return nil, fmt.Errorf("flush: %w: %d", version.ErrUnknownGroup, gid)
			}
			bo := opts
			bo.Compression = g.Config.Compression
			w = table.NewSplitWriter(bo, gid, 0, g.Config.TargetFileSize, alloc)
			writers[gid] = w
			order = append(order, gid)
		}
		if err := w.Add(key, it.Value()); err != nil {
			return nil, fmt.Errorf("flush: build group %d: %w", gid, err)
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	for _, gid := range order {
		outs, err := writers[gid].Finish()
		if err != nil {
			return nil, fmt.Errorf("flush: finish group %d: %w", gid, err)
		}
		j.outputs = append(j.outputs, outs...)
		j.bytes += writers[gid].Bytes()
	}
	return j, nil
}

// upload writes every output in parallel. Put replaces existing objects, so
// repeating it after a partial failure is safe.
func (j *Job) upload(ctx context.Context, tables *table.Store) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, out := range j.outputs {
		g.Go(func() error {
			return tables.Put(ctx, out.Meta.ID, out.Data)
		})
	}
	return g.Wait()
}

// delta describes the job as a manifest transition. A job without outputs
// still advances the committed epoch.
func (j *Job) delta() *manifest.VersionDelta {
	d := &manifest.VersionDelta{Epoch: j.epoch, Reason: manifest.ReasonFlush}
	for _, out := range j.outputs {
		d.AddTable(out.Meta.Clone())
	}
	return d
}
