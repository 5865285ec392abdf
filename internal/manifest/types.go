package manifest

import (
	"fmt"

	"github.com/aalhour/epochkv/internal/compression"
	"github.com/aalhour/epochkv/internal/dbformat"
)

// TableID is the stable identifier of an SSTable. Ids are allocated from
// the manifest's NextTableID and never reused.
type TableID uint64

// GroupID identifies a compaction group. Group 0 always exists.
type GroupID uint32

// DefaultGroupID owns every key not claimed by another group.
const DefaultGroupID GroupID = 0

// ObjectPath returns the object store path of an SSTable.
func (id TableID) ObjectPath() string {
	return fmt.Sprintf("sst/%020d.sst", uint64(id))
}

// TableMeta summarizes one immutable SSTable. Smallest and Largest are user
// keys (inclusive).
type TableMeta struct {
	ID           TableID
	GroupID      GroupID
	Level        int
	Smallest     []byte
	Largest      []byte
	MinEpoch     dbformat.Epoch
	MaxEpoch     dbformat.Epoch
	Size         uint64
	NumEntries   uint64
	NumDeletions uint64
}

// Path is the table's file reference.
func (m *TableMeta) Path() string { return m.ID.ObjectPath() }

// Overlaps reports whether the user-key ranges of m and o intersect.
func (m *TableMeta) Overlaps(o *TableMeta) bool {
	return m.OverlapsRange(o.Smallest, o.Largest)
}

// OverlapsRange reports whether [smallest, largest] intersects the table.
func (m *TableMeta) OverlapsRange(smallest, largest []byte) bool {
	return string(m.Smallest) <= string(largest) && string(smallest) <= string(m.Largest)
}

// ContainsEpochsAtOrBelow reports whether the table may hold an entry with
// epoch <= e.
func (m *TableMeta) ContainsEpochsAtOrBelow(e dbformat.Epoch) bool {
	return m.MinEpoch <= e
}

func (m *TableMeta) String() string {
	return fmt.Sprintf("#%d g%d L%d [%q..%q] e[%d,%d] %dB", m.ID, m.GroupID, m.Level,
		m.Smallest, m.Largest, m.MinEpoch, m.MaxEpoch, m.Size)
}

// Clone returns a deep copy.
func (m *TableMeta) Clone() *TableMeta {
	c := *m
	c.Smallest = append([]byte(nil), m.Smallest...)
	c.Largest = append([]byte(nil), m.Largest...)
	return &c
}

// GroupConfig describes one compaction group. KeyRanges lists the ranges the
// group claims explicitly; the default group claims none and owns the rest.
type GroupConfig struct {
	ID                  GroupID
	Name                string
	KeyRanges           []dbformat.KeyRange
	LevelSizeBase       uint64
	LevelSizeMultiplier uint64
	LevelCount          int
	L0FileTrigger       int
	TargetFileSize      uint64
	Compression         compression.Type
}

// DefaultGroupConfig returns the configuration used for new groups.
func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		Name:                "default",
		LevelSizeBase:       64 << 20,
		LevelSizeMultiplier: 10,
		LevelCount:          7,
		L0FileTrigger:       4,
		TargetFileSize:      8 << 20,
		Compression:         compression.SnappyCompression,
	}
}

// Validate checks the parameters of a group.
func (c *GroupConfig) Validate() error {
	switch {
	case c.LevelSizeBase == 0:
		return fmt.Errorf("manifest: group %d: level_size_base must be > 0", c.ID)
	case c.LevelSizeMultiplier < 2:
		return fmt.Errorf("manifest: group %d: level_size_multiplier must be >= 2", c.ID)
	case c.LevelCount < 2:
		return fmt.Errorf("manifest: group %d: level_count must be >= 2", c.ID)
	case c.L0FileTrigger < 1:
		return fmt.Errorf("manifest: group %d: l0_file_trigger must be >= 1", c.ID)
	case c.TargetFileSize == 0:
		return fmt.Errorf("manifest: group %d: target_file_size must be > 0", c.ID)
	}
	for i, r := range c.KeyRanges {
		if r.End != nil && string(r.Start) >= string(r.End) {
			return fmt.Errorf("manifest: group %d: empty key range %s", c.ID, r)
		}
		for _, o := range c.KeyRanges[:i] {
			if r.Overlaps(o) {
				return fmt.Errorf("manifest: group %d: overlapping key ranges %s and %s", c.ID, o, r)
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c GroupConfig) Clone() GroupConfig {
	c.KeyRanges = cloneRanges(c.KeyRanges)
	return c
}

// Apply returns c with the fields set in u replaced.
func (c GroupConfig) Apply(u *ConfigUpdate) GroupConfig {
	if u == nil {
		return c
	}
	if u.LevelSizeBase != nil {
		c.LevelSizeBase = *u.LevelSizeBase
	}
	if u.LevelSizeMultiplier != nil {
		c.LevelSizeMultiplier = *u.LevelSizeMultiplier
	}
	if u.L0FileTrigger != nil {
		c.L0FileTrigger = *u.L0FileTrigger
	}
	if u.TargetFileSize != nil {
		c.TargetFileSize = *u.TargetFileSize
	}
	if u.LevelCount != nil {
		c.LevelCount = *u.LevelCount
	}
	if u.Compression != nil {
		c.Compression = *u.Compression
	}
	return c
}

// ConfigUpdate carries the subset of group parameters to change. Nil fields
// are left untouched.
type ConfigUpdate struct {
	LevelSizeBase       *uint64
	LevelSizeMultiplier *uint64
	L0FileTrigger       *int
	TargetFileSize      *uint64
	LevelCount          *int
	Compression         *compression.Type
}

// Empty reports whether the update changes nothing.
func (u *ConfigUpdate) Empty() bool {
	return u == nil || (u.LevelSizeBase == nil && u.LevelSizeMultiplier == nil &&
		u.L0FileTrigger == nil && u.TargetFileSize == nil && u.LevelCount == nil &&
		u.Compression == nil)
}

// Reason records why a delta was produced.
type Reason uint8

const (
	ReasonFlush Reason = iota + 1
	ReasonCompaction
	ReasonTrivialMove
	ReasonConfig
	ReasonGroup
	ReasonCheckpoint
)

func (r Reason) String() string {
	switch r {
	case ReasonFlush:
		return "flush"
	case ReasonCompaction:
		return "compaction"
	case ReasonTrivialMove:
		return "trivial_move"
	case ReasonConfig:
		return "config"
	case ReasonGroup:
		return "group"
	case ReasonCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// GroupDelta is the part of a VersionDelta that applies to one group.
type GroupDelta struct {
	GroupID GroupID

	// NewGroup creates the group. It must not already exist.
	NewGroup *GroupConfig

	ConfigUpdate *ConfigUpdate

	// SetKeyRanges replaces the group's explicit key ranges when non-nil.
	SetKeyRanges []dbformat.KeyRange
	HasKeyRanges bool

	AddedTables   []*TableMeta
	RemovedTables []RemovedTable
}

// RemovedTable names a table expected at a given level.
type RemovedTable struct {
	Level int
	ID    TableID
}

// TouchesData reports whether the group delta changes the SSTable set or
// the key space layout.
func (g *GroupDelta) TouchesData() bool {
	return g.NewGroup != nil || g.HasKeyRanges || len(g.AddedTables) > 0 || len(g.RemovedTables) > 0
}

// VersionDelta is one atomic manifest transition.
type VersionDelta struct {
	// ID is assigned by the version manager at commit time and equals the
	// id of the version the delta produces.
	ID     uint64
	Epoch  dbformat.Epoch
	Reason Reason

	// NextTableID, when non-zero, raises the table id allocator.
	NextTableID TableID

	Groups []GroupDelta
}

// ConfigOnly reports whether the delta only changes group parameters.
func (d *VersionDelta) ConfigOnly() bool {
	if d.Epoch != dbformat.NoEpoch {
		return false
	}
	for i := range d.Groups {
		if d.Groups[i].TouchesData() {
			return false
		}
	}
	return true
}

// Group returns the group section for id, appending one if absent.
func (d *VersionDelta) Group(id GroupID) *GroupDelta {
	for i := range d.Groups {
		if d.Groups[i].GroupID == id {
			return &d.Groups[i]
		}
	}
	d.Groups = append(d.Groups, GroupDelta{GroupID: id})
	return &d.Groups[len(d.Groups)-1]
}

// AddTable records a new table in its group section.
func (d *VersionDelta) AddTable(m *TableMeta) {
	g := d.Group(m.GroupID)
	g.AddedTables = append(g.AddedTables, m)
}

// RemoveTable records the removal of m from its group section.
func (d *VersionDelta) RemoveTable(m *TableMeta) {
	g := d.Group(m.GroupID)
	g.RemovedTables = append(g.RemovedTables, RemovedTable{Level: m.Level, ID: m.ID})
}

func cloneRanges(rs []dbformat.KeyRange) []dbformat.KeyRange {
	if rs == nil {
		return nil
	}
	out := make([]dbformat.KeyRange, len(rs))
	for i, r := range rs {
		out[i].Start = append([]byte{}, r.Start...)
		if r.End != nil {
			out[i].End = append([]byte{}, r.End...)
		}
	}
	return out
}

// ParseTablePath extracts the table id from an SSTable object path.
func ParseTablePath(p string) (TableID, bool) {
	var id uint64
	if n, err := fmt.Sscanf(p, "sst/%d.sst", &id); err != nil || n != 1 || TableID(id).ObjectPath() != p {
		return 0, false
	}
	return TableID(id), true
}
