package version

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/metrics"
	"github.com/aalhour/epochkv/internal/objstore"
)

// TableDeleter removes SSTable objects. table.Store implements it.
type TableDeleter interface {
	Delete(ctx context.Context, id manifest.TableID) error
}

// Options configures a VersionSet.
type Options struct {
	Store   objstore.Store
	Tables  TableDeleter
	Logger  logging.Logger
	Metrics *metrics.Metrics

	// CheckpointInterval is the number of deltas between checkpoints.
	CheckpointInterval int

	// GCSafetyMargin is the minimum time a table stays obsolete before it
	// is deleted.
	GCSafetyMargin time.Duration

	// DefaultGroup configures group 0 when bootstrapping an empty store.
	DefaultGroup manifest.GroupConfig

	// Now is the clock used by garbage collection.
	Now func() time.Time
}

// VersionSet owns the current Version and serializes commits.
type VersionSet struct {
	opts   Options
	store  objstore.Store
	logger logging.Logger
	m      *metrics.Metrics

	// mu is the commit lock.
	mu              sync.Mutex
	current         atomic.Pointer[Version]
	failed          map[manifest.GroupID]error
	deltasSinceCkpt int
	nextTableID     atomic.Uint64

	// pauseMu is held shared by epoch advancement and exclusively by
	// Pause and Resume.
	pauseMu sync.RWMutex
	paused  atomic.Bool
	resumed chan struct{}

	live      sync.Map // version id -> *Version with refs > 0
	pins      *skipmap.FuncMap[pinKey, *Snapshot]
	pinSeq    atomic.Uint64
	watermark atomic.Uint64

	gcMu     sync.Mutex
	obsolete []obsoleteTable
}

type pinKey struct {
	epoch dbformat.Epoch
	seq   uint64
}

func lessPinKey(a, b pinKey) bool {
	if a.epoch != b.epoch {
		return a.epoch < b.epoch
	}
	return a.seq < b.seq
}

// Open recovers the manifest from opts.Store, or bootstraps a version holding
// only the default group when the store has no manifest.
func Open(ctx context.Context, opts Options) (*VersionSet, error) {
	if opts.Store == nil {
		return nil, errors.New("version: nil object store")
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultGroup.LevelSizeBase == 0 {
		opts.DefaultGroup = manifest.DefaultGroupConfig()
	}
	vs := &VersionSet{
		opts:    opts,
		store:   opts.Store,
		logger:  logging.OrDefault(opts.Logger),
		m:       opts.Metrics,
		failed:  make(map[manifest.GroupID]error),
		resumed: make(chan struct{}),
		pins:    skipmap.NewFunc[pinKey, *Snapshot](lessPinKey),
	}
	close(vs.resumed)

	v, err := vs.recover(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if v, err = vs.bootstrap(ctx); err != nil {
			return nil, err
		}
	}
	vs.install(v)
	vs.nextTableID.Store(uint64(v.nextTableID))
	orphan, err := vs.collectOrphans(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("version: scan tables: %w", err)
	}
	if orphan >= v.nextTableID {
		vs.nextTableID.Store(uint64(orphan) + 1)
	}
	vs.logger.Infof(logging.NSManifest+"opened version %d at epoch %d with %d groups",
		v.id, v.committedEpoch, len(v.order))
	return vs, nil
}

func (vs *VersionSet) bootstrap(ctx context.Context) (*Version, error) {
	cfg := vs.opts.DefaultGroup.Clone()
	cfg.ID = manifest.DefaultGroupID
	cfg.KeyRanges = nil
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	d := &manifest.VersionDelta{ID: 1, Reason: manifest.ReasonGroup, NextTableID: 1}
	d.Group(manifest.DefaultGroupID).NewGroup = &cfg
	b := NewBuilder(nil)
	if err := b.Apply(d); err != nil {
		return nil, err
	}
	v, err := b.Build(1, vs.releaseVersion)
	if err != nil {
		return nil, err
	}
	if err := vs.writeCheckpoint(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// install makes v current. Caller holds mu, or is Open.
func (vs *VersionSet) install(v *Version) {
	v.Ref()
	vs.live.Store(v.id, v)
	old := vs.current.Load()
	if !vs.current.CompareAndSwap(old, v) {
		panic("version: concurrent install")
	}
	if old != nil {
		old.Unref()
	}
	vs.m.SetCommittedEpoch(uint64(v.committedEpoch))
	for _, g := range v.Groups() {
		for l := range g.Levels {
			vs.m.SetLevelBytes(uint32(g.ID()), l, g.LevelSize(l))
		}
	}
}

func (vs *VersionSet) releaseVersion(v *Version) {
	vs.live.Delete(v.id)
}

// Current returns the current version without taking a reference. Use Pin
// for reads that must survive concurrent commits.
func (vs *VersionSet) Current() *Version {
	return vs.current.Load()
}

// CommittedEpoch returns the committed epoch of the current version.
func (vs *VersionSet) CommittedEpoch() dbformat.Epoch {
	return vs.current.Load().committedEpoch
}

// AllocateTableIDs reserves n consecutive table ids and returns the first.
func (vs *VersionSet) AllocateTableIDs(n int) manifest.TableID {
	end := vs.nextTableID.Add(uint64(n))
	return manifest.TableID(end - uint64(n))
}

// LogAndApply commits d atomically: it validates d against the current
// version, persists it and installs the resulting version. d.ID is assigned
// here. On any error the current version is unchanged.
func (vs *VersionSet) LogAndApply(ctx context.Context, d *manifest.VersionDelta) (*Version, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if !d.ConfigOnly() && vs.paused.Load() {
		vs.m.Commit(d.Reason.String(), ErrClusterPaused)
		return nil, ErrClusterPaused
	}
	for i := range d.Groups {
		if err, ok := vs.failed[d.Groups[i].GroupID]; ok {
			return nil, fmt.Errorf("%w: group %d: %v", ErrGroupFailed, d.Groups[i].GroupID, err)
		}
	}

	base := vs.current.Load()
	if d.Epoch != dbformat.NoEpoch && d.Epoch < base.committedEpoch {
		return nil, fmt.Errorf("%w: epoch %d is behind committed epoch %d", ErrInvalidDelta, d.Epoch, base.committedEpoch)
	}
	d.ID = base.id + 1
	if next := manifest.TableID(vs.nextTableID.Load()); next > d.NextTableID {
		d.NextTableID = next
	}

	b := NewBuilder(base)
	err := b.Apply(d)
	var v *Version
	if err == nil {
		v, err = b.Build(d.ID, vs.releaseVersion)
	}
	if err != nil {
		var inv *InvariantError
		if errors.As(err, &inv) {
			vs.failed[inv.Group] = err
			vs.logger.Fatalf(logging.NSManifest+"group %d stopped accepting commits: %v", inv.Group, err)
			err = fmt.Errorf("%w: %w", err, logging.ErrFatal)
		}
		vs.m.Commit(d.Reason.String(), err)
		return nil, err
	}

	if err := vs.store.Put(ctx, manifest.DeltaPath(d.ID), d.EncodeTo()); err != nil {
		vs.m.Commit(d.Reason.String(), err)
		return nil, fmt.Errorf("version: persist delta %d: %w", d.ID, err)
	}
	vs.install(v)
	vs.markObsolete(base, d, v.committedEpoch)
	vs.m.Commit(d.Reason.String(), nil)
	vs.logger.Debugf(logging.NSManifest+"committed delta %d (%s) epoch %d", d.ID, d.Reason, v.committedEpoch)

	vs.deltasSinceCkpt++
	if vs.deltasSinceCkpt >= vs.opts.CheckpointInterval {
		if err := vs.writeCheckpoint(ctx, v); err != nil {
			vs.logger.Warnf(logging.NSManifest+"checkpoint at version %d failed: %v", v.id, err)
		} else {
			vs.deltasSinceCkpt = 0
		}
	}
	return v, nil
}

// GroupError returns the error that failed a group, if any.
func (vs *VersionSet) GroupError(id manifest.GroupID) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.failed[id]
}

// Pause stops epoch advancement and data commits. It waits for in-flight
// epoch advancement to finish. Pinned snapshots stay readable.
func (vs *VersionSet) Pause() {
	vs.pauseMu.Lock()
	defer vs.pauseMu.Unlock()
	if vs.paused.Load() {
		return
	}
	vs.resumed = make(chan struct{})
	vs.paused.Store(true)
	vs.m.SetPaused(true)
	vs.logger.Infof(logging.NSControl + "cluster paused")
}

// Resume re-enables epoch advancement and data commits.
func (vs *VersionSet) Resume() {
	vs.pauseMu.Lock()
	defer vs.pauseMu.Unlock()
	if !vs.paused.Load() {
		return
	}
	vs.paused.Store(false)
	close(vs.resumed)
	vs.m.SetPaused(false)
	vs.logger.Infof(logging.NSControl + "cluster resumed")
}

// Paused reports the pause state.
func (vs *VersionSet) Paused() bool { return vs.paused.Load() }

// WaitRunning blocks until the cluster is not paused or ctx is done.
func (vs *VersionSet) WaitRunning(ctx context.Context) error {
	for {
		vs.pauseMu.RLock()
		paused, ch := vs.paused.Load(), vs.resumed
		vs.pauseMu.RUnlock()
		if !paused {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AdvanceEpoch runs seal, which closes the open write epoch, unless the
// cluster is paused. Pause waits for a running seal to return.
func (vs *VersionSet) AdvanceEpoch(seal func() dbformat.Epoch) (dbformat.Epoch, error) {
	vs.pauseMu.RLock()
	defer vs.pauseMu.RUnlock()
	if vs.paused.Load() {
		return dbformat.NoEpoch, ErrClusterPaused
	}
	return seal(), nil
}
