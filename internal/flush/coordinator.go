package flush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/memtable"
	"github.com/aalhour/epochkv/internal/metrics"
	"github.com/aalhour/epochkv/internal/objstore"
	"github.com/aalhour/epochkv/internal/table"
	"github.com/aalhour/epochkv/internal/version"
)

var tracer = otel.Tracer("github.com/aalhour/epochkv/internal/flush")

// Options configures a Coordinator.
type Options struct {
	Buffer   *memtable.Buffer
	Versions *version.VersionSet
	Tables   *table.Store
	Logger   logging.Logger
	Metrics  *metrics.Metrics

	// Builder configures the tables written; compression is taken from
	// each group's config.
	Builder table.BuilderOptions

	// Retry bounds upload and commit retries of one attempt.
	Retry objstore.RetryPolicy

	// Interval drives the background loop. Zero disables it.
	Interval time.Duration

	// OnCommit is called with every version a flush installs.
	OnCommit func(*version.Version)
}

// Coordinator seals write epochs and flushes them. Flushes are serialized.
type Coordinator struct {
	opts   Options
	logger logging.Logger

	mu      sync.Mutex
	pending *Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator. Call Start to run the background loop.
func New(opts Options) *Coordinator {
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = objstore.DefaultRetryPolicy()
	}
	return &Coordinator{opts: opts, logger: logging.OrDefault(opts.Logger)}
}

// Start launches the periodic flush loop.
func (c *Coordinator) Start() {
	if c.opts.Interval <= 0 || c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.loop(ctx)
}

// Close stops the loop and waits for it.
func (c *Coordinator) Close() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
		c.cancel = nil
	}
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := c.Flush(ctx); err != nil {
			switch {
			case errors.Is(err, version.ErrClusterPaused), errors.Is(err, context.Canceled):
			default:
				c.logger.Warnf(logging.NSFlush+"periodic flush: %v", err)
			}
		}
	}
}

// Flush seals the open epoch and flushes every sealed epoch. It returns the
// committed epoch. While the cluster is paused it returns
// version.ErrClusterPaused and keeps the buffered data.
func (c *Coordinator) Flush(ctx context.Context) (dbformat.Epoch, error) {
	if _, err := c.opts.Versions.AdvanceEpoch(c.opts.Buffer.Seal); err != nil {
		return dbformat.NoEpoch, err
	}
	return c.FlushSealed(ctx)
}

// FlushSealed flushes the sealed epochs without sealing the open one.
func (c *Coordinator) FlushSealed(ctx context.Context) (dbformat.Epoch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.pending == nil {
			sealed := c.opts.Buffer.Sealed()
			if len(sealed) == 0 {
				return c.opts.Versions.CommittedEpoch(), nil
			}
			job, err := buildJob(c.opts.Versions.Current(), sealed, c.opts.Builder, c.allocate)
			if err != nil {
				return dbformat.NoEpoch, err
			}
			c.pending = job
		}
		if err := c.run(ctx, c.pending); err != nil {
			return dbformat.NoEpoch, err
		}
		c.opts.Buffer.Release(c.pending.epoch)
		c.pending = nil
	}
}

func (c *Coordinator) allocate() manifest.TableID {
	return c.opts.Versions.AllocateTableIDs(1)
}

// run uploads and commits job, retrying I/O failures with backoff. Commit
// rejections end the attempt; the job stays pending so a later call retries
// it with the same contents.
func (c *Coordinator) run(ctx context.Context, job *Job) (err error) {
	ctx, span := tracer.Start(ctx, "flush.Run", trace.WithAttributes(
		attribute.Int64("flush.epoch", int64(job.epoch)),
		attribute.Int("flush.epochs", job.epochs),
		attribute.Int("flush.tables", len(job.outputs)),
		attribute.Int64("flush.bytes", int64(job.bytes)),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		c.opts.Metrics.FlushDone(err, job.bytes, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "flush_failed")
		}
	}()

	var installed *version.Version
	op := func() error {
		if err := job.upload(ctx, c.opts.Tables); err != nil {
			return fmt.Errorf("flush: upload: %w", err)
		}
		v, err := c.opts.Versions.LogAndApply(ctx, job.delta())
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
		c.logger.Warnf(logging.NSFlush+"epoch %d: %v, retrying in %s", job.epoch, err, wait)
	}
	if err = objstore.Retry(ctx, c.opts.Retry, op, notify); err != nil {
		return err
	}

	c.logger.Debugf(logging.NSFlush+"committed epoch %d: %d tables, %d bytes", job.epoch, len(job.outputs), job.bytes)
	if c.opts.OnCommit != nil {
		c.opts.OnCommit(installed)
	}
	return nil
}

// Pending reports whether a built job is waiting to be retried.
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}
