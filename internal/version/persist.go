package version

import (
	"context"
	"fmt"
	"sort"

	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/manifest"
)

// checkpointDelta describes the whole of v as one delta.
func checkpointDelta(v *Version) *manifest.VersionDelta {
	d := &manifest.VersionDelta{
		ID:          v.id,
		Epoch:       v.committedEpoch,
		Reason:      manifest.ReasonCheckpoint,
		NextTableID: v.nextTableID,
	}
	for _, g := range v.Groups() {
		cfg := g.Config.Clone()
		gd := d.Group(g.ID())
		gd.NewGroup = &cfg
		for _, level := range g.Levels {
			gd.AddedTables = append(gd.AddedTables, level...)
		}
	}
	return d
}

// writeCheckpoint persists v as a checkpoint and deletes the manifest
// objects it supersedes.
func (vs *VersionSet) writeCheckpoint(ctx context.Context, v *Version) error {
	if err := vs.store.Put(ctx, manifest.CheckpointPath(v.id), checkpointDelta(v).EncodeTo()); err != nil {
		return err
	}
	objs, err := vs.store.List(ctx, manifest.Prefix)
	if err != nil {
		return err
	}
	for _, o := range objs {
		kind, id, ok := manifest.ParsePath(o.Path)
		if !ok {
			continue
		}
		if (kind == manifest.KindDelta && id <= v.id) || (kind == manifest.KindCheckpoint && id < v.id) {
			if err := vs.store.Delete(ctx, o.Path); err != nil {
				vs.logger.Warnf(logging.NSManifest+"delete %s: %v", o.Path, err)
			}
		}
	}
	vs.logger.Debugf(logging.NSManifest+"checkpoint at version %d", v.id)
	return nil
}

// recover rebuilds the latest version from the newest checkpoint and the
// deltas after it. It returns nil when the store holds no manifest.
func (vs *VersionSet) recover(ctx context.Context) (*Version, error) {
	objs, err := vs.store.List(ctx, manifest.Prefix)
	if err != nil {
		return nil, fmt.Errorf("version: list manifest: %w", err)
	}
	var ckpt uint64
	var deltas []uint64
	for _, o := range objs {
		kind, id, ok := manifest.ParsePath(o.Path)
		switch {
		case !ok:
		case kind == manifest.KindCheckpoint:
			ckpt = max(ckpt, id)
		case kind == manifest.KindDelta:
			deltas = append(deltas, id)
		}
	}
	if ckpt == 0 {
		if len(deltas) > 0 {
			return nil, fmt.Errorf("%w: %d deltas without a checkpoint", ErrCorruption, len(deltas))
		}
		return nil, nil
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })

	b := NewBuilder(nil)
	if err := vs.replay(ctx, b, manifest.CheckpointPath(ckpt)); err != nil {
		return nil, err
	}
	last := ckpt
	for _, id := range deltas {
		if id <= ckpt {
			continue
		}
		if id != last+1 {
			return nil, fmt.Errorf("%w: delta %d follows %d", ErrCorruption, id, last)
		}
		if err := vs.replay(ctx, b, manifest.DeltaPath(id)); err != nil {
			return nil, err
		}
		last = id
	}
	v, err := b.Build(last, vs.releaseVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	vs.deltasSinceCkpt = int(last - ckpt)
	vs.logger.Infof(logging.NSManifest+"recovered version %d from checkpoint %d and %d deltas", last, ckpt, last-ckpt)
	return v, nil
}

func (vs *VersionSet) replay(ctx context.Context, b *Builder, path string) error {
	data, err := vs.store.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("version: read %s: %w", path, err)
	}
	var d manifest.VersionDelta
	if err := d.DecodeFrom(data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
	}
	if err := b.Apply(&d); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruption, path, err)
	}
	return nil
}
