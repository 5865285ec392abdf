package version

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/manifest"
)

// Builder applies deltas to a base Version. Each group is copied on first
// write; untouched groups are shared with the base.
type Builder struct {
	base    *Version
	groups  map[manifest.GroupID]*GroupState
	touched map[manifest.GroupID]bool
	tables  map[manifest.TableID]manifest.GroupID

	epoch       dbformat.Epoch
	nextTableID manifest.TableID
}

// NewBuilder starts from base; a nil base means an empty version.
func NewBuilder(base *Version) *Builder {
	b := &Builder{
		base:    base,
		groups:  make(map[manifest.GroupID]*GroupState),
		touched: make(map[manifest.GroupID]bool),
		tables:  make(map[manifest.TableID]manifest.GroupID),
	}
	if base != nil {
		for id, g := range base.groups {
			b.groups[id] = g
		}
		base.ForEachTable(func(t *manifest.TableMeta) { b.tables[t.ID] = t.GroupID })
		b.epoch = base.committedEpoch
		b.nextTableID = base.nextTableID
	}
	return b
}

func (b *Builder) mutable(id manifest.GroupID) *GroupState {
	g := b.groups[id]
	if b.touched[id] {
		return g
	}
	c := &GroupState{Config: g.Config.Clone(), Levels: make([][]*manifest.TableMeta, len(g.Levels))}
	for l := range g.Levels {
		c.Levels[l] = append([]*manifest.TableMeta(nil), g.Levels[l]...)
	}
	b.groups[id] = c
	b.touched[id] = true
	return c
}

// Apply validates d against the accumulated state and applies it. On error
// the builder must be discarded.
func (b *Builder) Apply(d *manifest.VersionDelta) error {
	if d.Epoch > b.epoch {
		b.epoch = d.Epoch
	}
	if d.NextTableID > b.nextTableID {
		b.nextTableID = d.NextTableID
	}
	for i := range d.Groups {
		if err := b.applyGroup(&d.Groups[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) applyGroup(gd *manifest.GroupDelta) error {
	id := gd.GroupID
	if gd.NewGroup != nil {
		if _, ok := b.groups[id]; ok {
			return fmt.Errorf("%w: group %d already exists", ErrConflict, id)
		}
		cfg := gd.NewGroup.Clone()
		cfg.ID = id
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDelta, err)
		}
		if cfg.LevelCount > MaxNumLevels {
			return fmt.Errorf("%w: group %d: %d levels exceeds %d", ErrInvalidDelta, id, cfg.LevelCount, MaxNumLevels)
		}
		b.groups[id] = &GroupState{Config: cfg, Levels: make([][]*manifest.TableMeta, cfg.LevelCount)}
		b.touched[id] = true
	}
	if _, ok := b.groups[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownGroup, id)
	}

	if !gd.ConfigUpdate.Empty() {
		g := b.mutable(id)
		next := g.Config.Apply(gd.ConfigUpdate)
		if err := next.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDelta, err)
		}
		if next.LevelCount > MaxNumLevels {
			return fmt.Errorf("%w: group %d: %d levels exceeds %d", ErrInvalidDelta, id, next.LevelCount, MaxNumLevels)
		}
		for l := next.LevelCount; l < len(g.Levels); l++ {
			if len(g.Levels[l]) > 0 {
				return fmt.Errorf("%w: group %d: cannot drop non-empty level %d", ErrInvalidDelta, id, l)
			}
		}
		for len(g.Levels) < next.LevelCount {
			g.Levels = append(g.Levels, nil)
		}
		g.Levels = g.Levels[:next.LevelCount]
		g.Config = next
	}

	if gd.HasKeyRanges {
		g := b.mutable(id)
		if id == manifest.DefaultGroupID && len(gd.SetKeyRanges) > 0 {
			return fmt.Errorf("%w: the default group cannot claim explicit ranges", ErrInvalidDelta)
		}
		g.Config.KeyRanges = append([]dbformat.KeyRange(nil), gd.SetKeyRanges...)
		if err := g.Config.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDelta, err)
		}
	}

	if len(gd.RemovedTables) > 0 || len(gd.AddedTables) > 0 {
		g := b.mutable(id)
		for _, r := range gd.RemovedTables {
			if r.Level < 0 || r.Level >= len(g.Levels) {
				return fmt.Errorf("%w: table %d at level %d", ErrConflict, r.ID, r.Level)
			}
			level := g.Levels[r.Level]
			idx := -1
			for i, t := range level {
				if t.ID == r.ID {
					idx = i
					break
				}
			}
			if idx < 0 {
				return fmt.Errorf("%w: table %d not in group %d level %d", ErrConflict, r.ID, id, r.Level)
			}
			g.Levels[r.Level] = append(level[:idx:idx], level[idx+1:]...)
			delete(b.tables, r.ID)
		}
		for _, t := range gd.AddedTables {
			if t.Level < 0 || t.Level >= len(g.Levels) {
				return fmt.Errorf("%w: table %d at level %d of %d", ErrInvalidDelta, t.ID, t.Level, len(g.Levels))
			}
			if bytes.Compare(t.Smallest, t.Largest) > 0 {
				return fmt.Errorf("%w: table %d has inverted key range", ErrInvalidDelta, t.ID)
			}
			if _, dup := b.tables[t.ID]; dup {
				return fmt.Errorf("%w: table %d already present", ErrConflict, t.ID)
			}
			if t.ID >= b.nextTableID {
				b.nextTableID = t.ID + 1
			}
			m := t.Clone()
			m.GroupID = id
			g.Levels[t.Level] = append(g.Levels[t.Level], m)
			b.tables[t.ID] = id
		}
	}
	return nil
}

// Build sorts the touched groups, checks invariants and returns the new
// version. release is called when the version's last reference is dropped.
func (b *Builder) Build(id uint64, release func(*Version)) (*Version, error) {
	if err := b.checkKeyRanges(); err != nil {
		return nil, err
	}
	for gid := range b.touched {
		g := b.groups[gid]
		sortLevel0(g.Levels[0])
		for l := 1; l < len(g.Levels); l++ {
			level := g.Levels[l]
			sort.Slice(level, func(i, j int) bool {
				return bytes.Compare(level[i].Smallest, level[j].Smallest) < 0
			})
			for i := 1; i < len(level); i++ {
				if bytes.Compare(level[i-1].Largest, level[i].Smallest) >= 0 {
					return nil, &InvariantError{
						Group:  gid,
						Detail: fmt.Sprintf("level %d tables %d and %d overlap", l, level[i-1].ID, level[i].ID),
					}
				}
			}
		}
	}

	v := &Version{
		id:             id,
		committedEpoch: b.epoch,
		nextTableID:    b.nextTableID,
		groups:         b.groups,
		release:        release,
	}
	for gid := range b.groups {
		v.order = append(v.order, gid)
	}
	sort.Slice(v.order, func(i, j int) bool { return v.order[i] < v.order[j] })
	return v, nil
}

// checkKeyRanges verifies explicit ranges stay disjoint across groups.
func (b *Builder) checkKeyRanges() error {
	type owned struct {
		group manifest.GroupID
		r     dbformat.KeyRange
	}
	var all []owned
	for gid, g := range b.groups {
		for _, r := range g.Config.KeyRanges {
			all = append(all, owned{gid, r})
		}
	}
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			if all[i].group != all[j].group && all[i].r.Overlaps(all[j].r) {
				return fmt.Errorf("%w: key range %s of group %d overlaps group %d", ErrInvalidDelta,
					all[j].r, all[j].group, all[i].group)
			}
		}
	}
	return nil
}

func sortLevel0(tables []*manifest.TableMeta) {
	sort.Slice(tables, func(i, j int) bool {
		if tables[i].MaxEpoch != tables[j].MaxEpoch {
			return tables[i].MaxEpoch > tables[j].MaxEpoch
		}
		return tables[i].ID > tables[j].ID
	})
}
