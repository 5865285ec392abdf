package compaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/iterator"
	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/metrics"
	"github.com/aalhour/epochkv/internal/objstore"
	"github.com/aalhour/epochkv/internal/table"
	"github.com/aalhour/epochkv/internal/version"
)

var tracer = otel.Tracer("github.com/aalhour/epochkv/internal/compaction")

// JobStats counts what a job read, wrote and dropped.
type JobStats struct {
	InputBytes        uint64
	OutputBytes       uint64
	InputEntries      uint64
	OutputEntries     uint64
	DroppedVersions   uint64
	DroppedTombstones uint64
}

// Job executes one Compaction against the version it was picked from.
type Job struct {
	c       *Compaction
	base    *version.Version
	vs      *version.VersionSet
	tables  *table.Store
	builder table.BuilderOptions
	retry   objstore.RetryPolicy
	logger  logging.Logger
	m       *metrics.Metrics

	safeEpoch dbformat.Epoch
	outputs   []table.Output
	stats     JobStats
}

// JobOptions carries the shared dependencies of jobs.
type JobOptions struct {
	Versions *version.VersionSet
	Tables   *table.Store
	Builder  table.BuilderOptions
	Retry    objstore.RetryPolicy
	Logger   logging.Logger
	Metrics  *metrics.Metrics
}

// NewJob creates a job for c, which must have been picked from base.
func NewJob(c *Compaction, base *version.Version, opts JobOptions) *Job {
	return &Job{
		c:       c,
		base:    base,
		vs:      opts.Versions,
		tables:  opts.Tables,
		builder: opts.Builder,
		retry:   opts.Retry,
		logger:  logging.OrDefault(opts.Logger),
		m:       opts.Metrics,
	}
}

// Stats returns the job's counters.
func (j *Job) Stats() JobStats { return j.stats }

// Run executes the compaction and commits it. Outputs of a job that does not
// commit are deleted before Run returns.
func (j *Job) Run(ctx context.Context) (v *version.Version, err error) {
	ctx, span := tracer.Start(ctx, "compaction.Run", trace.WithAttributes(
		attribute.Int("compaction.group", int(j.c.Group)),
		attribute.Int("compaction.source_level", j.c.StartLevel()),
		attribute.Int("compaction.target_level", j.c.OutputLevel),
		attribute.Int("compaction.input_tables_count", j.c.NumInputTables()),
		attribute.Float64("compaction.score", j.c.Score),
		attribute.String("compaction.reason", j.c.Reason.String()),
	))
	defer span.End()
	j.stats.InputBytes = j.c.InputBytes()
	defer func() {
		j.m.CompactionDone(uint32(j.c.Group), err, j.stats.InputBytes, j.stats.OutputBytes)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compaction_failed")
			return
		}
		span.SetAttributes(
			attribute.Int("compaction.output_tables_count", len(j.outputs)),
			attribute.Int64("compaction.output_bytes", int64(j.stats.OutputBytes)),
			attribute.Bool("compaction.trivial_move", j.c.IsTrivialMove),
		)
	}()

	if j.c.IsTrivialMove {
		return j.trivialMove(ctx)
	}

	j.safeEpoch = j.vs.SafeEpoch()
	if err := j.build(ctx); err != nil {
		return nil, err
	}
	v, err = j.commit(ctx)
	if err != nil {
		if derr := j.discard(context.WithoutCancel(ctx)); derr != nil {
			j.logger.Warnf(logging.NSCompact+"group %d: delete outputs: %v", j.c.Group, derr)
		}
		return nil, err
	}
	j.logger.Infof(logging.NSCompact+"group %d: L%d->L%d %d tables (%d bytes) -> %d tables (%d bytes), dropped %d versions and %d tombstones",
		j.c.Group, j.c.StartLevel(), j.c.OutputLevel, j.c.NumInputTables(), j.stats.InputBytes,
		len(j.outputs), j.stats.OutputBytes, j.stats.DroppedVersions, j.stats.DroppedTombstones)
	return v, nil
}

// trivialMove re-links the single input table at the output level.
func (j *Job) trivialMove(ctx context.Context) (*version.Version, error) {
	d := &manifest.VersionDelta{Reason: manifest.ReasonTrivialMove}
	for _, in := range j.c.Inputs {
		for _, t := range in.Tables {
			moved := t.Clone()
			moved.Level = j.c.OutputLevel
			d.RemoveTable(t)
			d.AddTable(moved)
		}
	}
	v, err := j.vs.LogAndApply(ctx, d)
	if err != nil {
		return nil, err
	}
	j.logger.Debugf(logging.NSCompact+"group %d: moved table to L%d", j.c.Group, j.c.OutputLevel)
	return v, nil
}

// build merges the inputs and writes the outputs in memory.
func (j *Job) build(ctx context.Context) error {
	var children []iterator.Iterator
	for _, in := range j.c.Inputs {
		for _, t := range in.Tables {
			it, err := j.tables.NewIterator(ctx, t, nil)
			if err != nil {
				return fmt.Errorf("compaction: open table %d: %w", t.ID, err)
			}
			children = append(children, it)
		}
	}
	merged := iterator.NewMergingIterator(children, dbformat.Compare)

	bo := j.builder
	bo.Compression = j.c.Compression
	w := table.NewSplitWriter(bo, j.c.Group, j.c.OutputLevel, j.c.MaxOutputFileSize, func() manifest.TableID {
		return j.vs.AllocateTableIDs(1)
	})

	var (
		lastKey    []byte
		started    bool
		keptAtSafe bool
		dropOlder  bool
	)
	for merged.SeekToFirst(); merged.Valid(); merged.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := dbformat.FullKey(merged.Key())
		user := key.UserKey()
		j.stats.InputEntries++
		if started && bytes.Equal(key, lastKey) {
			j.stats.DroppedVersions++
			continue
		}
		if !started || !bytes.Equal(user, dbformat.UserKey(lastKey)) {
			keptAtSafe, dropOlder = false, false
		}
		started = true
		lastKey = append(lastKey[:0], key...)

		// Versions newer than the safe epoch are always kept. At or below
		// it only the newest version survives, and a surviving tombstone
		// goes too once nothing older can exist outside the inputs.
		if key.Epoch() <= j.safeEpoch {
			switch {
			case keptAtSafe || dropOlder:
				j.stats.DroppedVersions++
				continue
			case key.Kind() == dbformat.KindDelete && j.tombstoneDroppable(user):
				dropOlder = true
				j.stats.DroppedTombstones++
				continue
			}
			keptAtSafe = true
		}

		if err := w.Add(key, merged.Value()); err != nil {
			return fmt.Errorf("compaction: write: %w", err)
		}
		j.stats.OutputEntries++
	}
	if err := merged.Error(); err != nil {
		return fmt.Errorf("compaction: read inputs: %w", err)
	}
	outs, err := w.Finish()
	if err != nil {
		return fmt.Errorf("compaction: finish outputs: %w", err)
	}
	j.outputs = outs
	j.stats.OutputBytes = w.Bytes()
	return nil
}

// tombstoneDroppable reports whether no older version of userKey can exist
// outside the inputs: no deeper level of this group and no other group holds
// a table covering it.
func (j *Job) tombstoneDroppable(userKey []byte) bool {
	for _, g := range j.base.Groups() {
		first := 0
		if g.ID() == j.c.Group {
			first = j.c.OutputLevel + 1
		}
		for level := first; level < len(g.Levels); level++ {
			if len(g.Overlapping(level, userKey, userKey)) > 0 {
				return false
			}
		}
	}
	return true
}

// commit uploads the outputs and commits the delta, retrying I/O failures
// with backoff. Rejections are returned as is.
func (j *Job) commit(ctx context.Context) (*version.Version, error) {
	d := &manifest.VersionDelta{Reason: manifest.ReasonCompaction}
	j.c.AddInputDeletions(d)
	for _, out := range j.outputs {
		d.AddTable(out.Meta.Clone())
	}

	var installed *version.Version
	op := func() error {
		g, gctx := errgroup.WithContext(ctx)
		for _, out := range j.outputs {
			g.Go(func() error { return j.tables.Put(gctx, out.Meta.ID, out.Data) })
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("compaction: upload: %w", err)
		}
		v, err := j.vs.LogAndApply(ctx, d)
		if err != nil {
			if version.IsRejection(err) {
				return objstore.Permanent(err)
			}
			return err
		}
		installed = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		j.logger.Warnf(logging.NSCompact+"group %d: %v, retrying in %s", j.c.Group, err, wait)
	}
	if err := objstore.Retry(ctx, j.retry, op, notify); err != nil {
		return nil, err
	}
	return installed, nil
}

func (j *Job) discard(ctx context.Context) error {
	var errs []error
	for _, out := range j.outputs {
		if err := j.tables.Delete(ctx, out.Meta.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
