package version

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/manifest"
)

// LevelInfo summarizes one level of a group.
type LevelInfo struct {
	Level  int
	Tables int
	Bytes  uint64
}

// GroupInfo summarizes a compaction group for the control surface.
type GroupInfo struct {
	ID     manifest.GroupID
	Name   string
	Size   uint64
	Tables int
	Levels []LevelInfo
	Config manifest.GroupConfig
	Failed bool
}

// ListGroups describes every group of the current version.
func (vs *VersionSet) ListGroups() []GroupInfo {
	v := vs.current.Load()
	vs.mu.Lock()
	failed := make(map[manifest.GroupID]bool, len(vs.failed))
	for id := range vs.failed {
		failed[id] = true
	}
	vs.mu.Unlock()

	out := make([]GroupInfo, 0, len(v.order))
	for _, g := range v.Groups() {
		info := GroupInfo{
			ID:     g.ID(),
			Name:   g.Config.Name,
			Size:   g.Size(),
			Tables: g.NumTables(),
			Config: g.Config.Clone(),
			Failed: failed[g.ID()],
		}
		for l, level := range g.Levels {
			info.Levels = append(info.Levels, LevelInfo{Level: l, Tables: len(level), Bytes: g.LevelSize(l)})
		}
		out = append(out, info)
	}
	return out
}

// RouteKey returns the group owning userKey for future writes.
func (vs *VersionSet) RouteKey(userKey []byte) manifest.GroupID {
	return vs.current.Load().RouteKey(userKey)
}

// UpdateConfig applies u to every listed group in one config-only delta.
// It is accepted while paused and only affects future compaction planning.
func (vs *VersionSet) UpdateConfig(ctx context.Context, ids []manifest.GroupID, u *manifest.ConfigUpdate) error {
	if u.Empty() {
		return fmt.Errorf("%w: empty config update", ErrInvalidDelta)
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: no groups named", ErrInvalidDelta)
	}
	d := &manifest.VersionDelta{Reason: manifest.ReasonConfig}
	for _, id := range ids {
		cp := *u
		d.Group(id).ConfigUpdate = &cp
	}
	if _, err := vs.LogAndApply(ctx, d); err != nil {
		return err
	}
	vs.logger.Infof(logging.NSControl+"updated config of groups %v", ids)
	return nil
}

// CreateGroup creates a group with cfg and returns its id. cfg.ID is
// ignored; the next free id is used.
func (vs *VersionSet) CreateGroup(ctx context.Context, cfg manifest.GroupConfig) (manifest.GroupID, error) {
	for {
		var next manifest.GroupID
		for _, id := range vs.current.Load().order {
			next = max(next, id+1)
		}
		c := cfg.Clone()
		c.ID = next
		d := &manifest.VersionDelta{Reason: manifest.ReasonGroup}
		d.Group(next).NewGroup = &c
		_, err := vs.LogAndApply(ctx, d)
		if errors.Is(err, ErrConflict) {
			// A concurrent creator took the id.
			continue
		}
		if err != nil {
			return 0, err
		}
		vs.logger.Infof(logging.NSControl+"created group %d %q", next, c.Name)
		return next, nil
	}
}

// MoveKeyRange assigns r to group id for future writes and compactions.
// The range is carved out of any other group's explicit ranges in the same
// delta. Existing tables are not rewritten.
func (vs *VersionSet) MoveKeyRange(ctx context.Context, id manifest.GroupID, r dbformat.KeyRange) error {
	if r.End != nil && bytes.Compare(r.Start, r.End) >= 0 {
		return fmt.Errorf("%w: empty key range %s", ErrInvalidDelta, r)
	}
	for {
		v := vs.current.Load()
		target, ok := v.Group(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownGroup, id)
		}
		d := &manifest.VersionDelta{Reason: manifest.ReasonGroup}
		for _, g := range v.Groups() {
			if g.ID() == id {
				continue
			}
			if rest, changed := SubtractRange(g.Config.KeyRanges, r); changed {
				gd := d.Group(g.ID())
				gd.SetKeyRanges, gd.HasKeyRanges = rest, true
			}
		}
		if id != manifest.DefaultGroupID {
			ranges, _ := SubtractRange(target.Config.KeyRanges, r)
			gd := d.Group(id)
			gd.SetKeyRanges, gd.HasKeyRanges = append(ranges, r), true
		}
		if len(d.Groups) == 0 {
			return nil
		}
		_, err := vs.LogAndApply(ctx, d)
		if err != nil && errors.Is(err, ErrInvalidDelta) && vs.current.Load() != v {
			// Ranges changed underneath us; recompute.
			continue
		}
		if err == nil {
			vs.logger.Infof(logging.NSControl+"moved %s to group %d", r, id)
		}
		return err
	}
}

// SubtractRange removes cut from every range of rs. It reports whether any
// range changed.
func SubtractRange(rs []dbformat.KeyRange, cut dbformat.KeyRange) ([]dbformat.KeyRange, bool) {
	var out []dbformat.KeyRange
	changed := false
	for _, r := range rs {
		if !r.Overlaps(cut) {
			out = append(out, r)
			continue
		}
		changed = true
		if bytes.Compare(r.Start, cut.Start) < 0 {
			out = append(out, dbformat.KeyRange{Start: r.Start, End: cut.Start})
		}
		if cut.End != nil && (r.End == nil || bytes.Compare(cut.End, r.End) < 0) {
			out = append(out, dbformat.KeyRange{Start: cut.End, End: r.End})
		}
	}
	return out, changed
}
