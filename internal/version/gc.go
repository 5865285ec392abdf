package version

import (
	"context"
	"time"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/manifest"
)

type obsoleteTable struct {
	meta    *manifest.TableMeta
	removed dbformat.Epoch
	since   time.Time
}

// markObsolete records the tables d removed from base. Tables a trivial move
// re-adds elsewhere stay live and are not recorded.
func (vs *VersionSet) markObsolete(base *Version, d *manifest.VersionDelta, removedAt dbformat.Epoch) {
	readded := make(map[manifest.TableID]bool)
	for i := range d.Groups {
		for _, t := range d.Groups[i].AddedTables {
			readded[t.ID] = true
		}
	}
	now := vs.opts.Now()
	vs.gcMu.Lock()
	defer vs.gcMu.Unlock()
	for i := range d.Groups {
		g, ok := base.groups[d.Groups[i].GroupID]
		if !ok {
			continue
		}
		for _, r := range d.Groups[i].RemovedTables {
			if readded[r.ID] {
				continue
			}
			for _, t := range g.Levels[r.Level] {
				if t.ID == r.ID {
					vs.obsolete = append(vs.obsolete, obsoleteTable{meta: t, removed: removedAt, since: now})
					break
				}
			}
		}
	}
}

// NumObsolete returns the number of tables awaiting garbage collection.
func (vs *VersionSet) NumObsolete() int {
	vs.gcMu.Lock()
	defer vs.gcMu.Unlock()
	return len(vs.obsolete)
}

// CollectGarbage deletes obsolete tables that no live version references,
// whose removal epoch is at or below every pinned epoch, and that have been
// obsolete for at least GCSafetyMargin. It returns the number deleted.
func (vs *VersionSet) CollectGarbage(ctx context.Context) (int, error) {
	vs.gcMu.Lock()
	candidates := append([]obsoleteTable(nil), vs.obsolete...)
	vs.gcMu.Unlock()
	if len(candidates) == 0 {
		return 0, nil
	}

	live := make(map[manifest.TableID]bool)
	vs.live.Range(func(_, value any) bool {
		v := value.(*Version)
		if v.Refs() > 0 {
			v.ForEachTable(func(t *manifest.TableMeta) { live[t.ID] = true })
		}
		return true
	})
	minPinned := vs.MinPinnedEpoch()
	now := vs.opts.Now()

	deleted := make(map[manifest.TableID]bool)
	var firstErr error
	for _, c := range candidates {
		if live[c.meta.ID] || c.removed > minPinned || now.Sub(c.since) < vs.opts.GCSafetyMargin {
			continue
		}
		if err := vs.deleteTable(ctx, c.meta.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			vs.logger.Warnf(logging.NSGC+"delete table %d: %v", c.meta.ID, err)
			continue
		}
		deleted[c.meta.ID] = true
	}

	if len(deleted) > 0 {
		vs.gcMu.Lock()
		kept := vs.obsolete[:0]
		for _, o := range vs.obsolete {
			if !deleted[o.meta.ID] {
				kept = append(kept, o)
			}
		}
		vs.obsolete = kept
		vs.gcMu.Unlock()
		vs.m.GCDeleted(len(deleted))
		vs.logger.Debugf(logging.NSGC+"deleted %d tables", len(deleted))
	}
	return len(deleted), firstErr
}

func (vs *VersionSet) deleteTable(ctx context.Context, id manifest.TableID) error {
	if vs.opts.Tables != nil {
		return vs.opts.Tables.Delete(ctx, id)
	}
	return vs.store.Delete(ctx, id.ObjectPath())
}

// collectOrphans schedules SSTable objects that the recovered version does
// not reference, such as uploads of a job that never committed. It returns
// the largest orphan id so the allocator can move past it.
func (vs *VersionSet) collectOrphans(ctx context.Context, v *Version) (manifest.TableID, error) {
	objs, err := vs.store.List(ctx, "sst/")
	if err != nil {
		return 0, err
	}
	var maxID manifest.TableID
	referenced := make(map[string]bool)
	v.ForEachTable(func(t *manifest.TableMeta) { referenced[t.Path()] = true })

	now := vs.opts.Now()
	vs.gcMu.Lock()
	defer vs.gcMu.Unlock()
	for _, o := range objs {
		if referenced[o.Path] {
			continue
		}
		id, ok := manifest.ParseTablePath(o.Path)
		if !ok {
			continue
		}
		maxID = max(maxID, id)
		vs.obsolete = append(vs.obsolete, obsoleteTable{
			meta:    &manifest.TableMeta{ID: id},
			removed: dbformat.NoEpoch,
			since:   now,
		})
	}
	return maxID, nil
}
