// Package version is the version/manifest manager: the single source of truth
// for which SSTables exist, at which level, in which compaction group, as of
// which epoch.
//
// A Version is immutable. Commits serialize on the VersionSet's commit lock,
// build the next Version from the current one plus a VersionDelta, persist
// the delta to the object store and then swap the current pointer. Readers
// load the current pointer without locking and take a reference with a CAS
// loop that fails once a Version has been fully released.
package version

import (
	"sort"
	"sync/atomic"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/manifest"
)

// MaxNumLevels bounds the level count of any group.
const MaxNumLevels = 16

// GroupState is the immutable per-group part of a Version.
type GroupState struct {
	Config manifest.GroupConfig

	// Levels[0] is ordered newest first (MaxEpoch, then ID, descending);
	// deeper levels are ordered by smallest key and never overlap.
	Levels [][]*manifest.TableMeta
}

// ID returns the group id.
func (g *GroupState) ID() manifest.GroupID { return g.Config.ID }

// LevelSize returns the total bytes of one level.
func (g *GroupState) LevelSize(level int) uint64 {
	var n uint64
	if level < len(g.Levels) {
		for _, t := range g.Levels[level] {
			n += t.Size
		}
	}
	return n
}

// Size returns the total bytes of the group.
func (g *GroupState) Size() uint64 {
	var n uint64
	for l := range g.Levels {
		n += g.LevelSize(l)
	}
	return n
}

// NumTables returns the number of tables in the group.
func (g *GroupState) NumTables() int {
	n := 0
	for _, l := range g.Levels {
		n += len(l)
	}
	return n
}

// Overlapping returns the tables of level whose key range intersects
// [smallest, largest] (both inclusive user keys).
func (g *GroupState) Overlapping(level int, smallest, largest []byte) []*manifest.TableMeta {
	if level >= len(g.Levels) {
		return nil
	}
	var out []*manifest.TableMeta
	for _, t := range g.Levels[level] {
		if t.OverlapsRange(smallest, largest) {
			out = append(out, t)
		}
	}
	return out
}

// TablesForKey returns, in the order a point lookup should consult them, the
// tables that may hold userKey with some version at or below epoch e.
func (g *GroupState) TablesForKey(userKey []byte, e dbformat.Epoch) []*manifest.TableMeta {
	var out []*manifest.TableMeta
	for _, t := range g.Levels[0] {
		if t.MinEpoch <= e && t.OverlapsRange(userKey, userKey) {
			out = append(out, t)
		}
	}
	for l := 1; l < len(g.Levels); l++ {
		tables := g.Levels[l]
		i := sort.Search(len(tables), func(i int) bool {
			return string(tables[i].Largest) >= string(userKey)
		})
		if i < len(tables) && string(tables[i].Smallest) <= string(userKey) && tables[i].MinEpoch <= e {
			out = append(out, tables[i])
		}
	}
	return out
}

// Version is one immutable snapshot of the SSTable set of every group.
type Version struct {
	id             uint64
	committedEpoch dbformat.Epoch
	nextTableID    manifest.TableID
	groups         map[manifest.GroupID]*GroupState
	order          []manifest.GroupID

	refs    atomic.Int32
	release func(*Version)
}

// ID returns the version id; ids increase strictly with every commit.
func (v *Version) ID() uint64 { return v.id }

// CommittedEpoch returns the highest epoch whose data the version holds.
func (v *Version) CommittedEpoch() dbformat.Epoch { return v.committedEpoch }

// NextTableID returns the persisted table id allocator.
func (v *Version) NextTableID() manifest.TableID { return v.nextTableID }

// Group returns the state of one group.
func (v *Version) Group(id manifest.GroupID) (*GroupState, bool) {
	g, ok := v.groups[id]
	return g, ok
}

// Groups returns all groups ordered by id.
func (v *Version) Groups() []*GroupState {
	out := make([]*GroupState, len(v.order))
	for i, id := range v.order {
		out[i] = v.groups[id]
	}
	return out
}

// RouteKey returns the group owning userKey for future writes: the group
// whose explicit key ranges contain it, else the default group.
func (v *Version) RouteKey(userKey []byte) manifest.GroupID {
	for _, id := range v.order {
		for _, r := range v.groups[id].Config.KeyRanges {
			if r.Contains(userKey) {
				return id
			}
		}
	}
	return manifest.DefaultGroupID
}

// ForEachTable calls fn for every table of every group.
func (v *Version) ForEachTable(fn func(*manifest.TableMeta)) {
	for _, id := range v.order {
		for _, level := range v.groups[id].Levels {
			for _, t := range level {
				fn(t)
			}
		}
	}
}

// Ref takes a reference. The caller must already hold one.
func (v *Version) Ref() { v.refs.Add(1) }

// TryRef takes a reference unless the version has been released.
func (v *Version) TryRef() bool {
	for {
		n := v.refs.Load()
		if n <= 0 {
			return false
		}
		if v.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Unref drops a reference. The last one unregisters the version so its
// tables become candidates for garbage collection.
func (v *Version) Unref() {
	if v.refs.Add(-1) == 0 && v.release != nil {
		v.release(v)
	}
}

// Refs returns the current reference count.
func (v *Version) Refs() int32 { return v.refs.Load() }
