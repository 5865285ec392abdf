// Package manifest defines the records the version manager persists: version
// deltas, SSTable metadata and compaction group configuration, together with
// their binary encoding.
//
// A delta is a sequence of (varint tag, payload) fields. Group sections are
// nested length-prefixed records so that one delta can touch several
// compaction groups atomically.
package manifest

// Tag identifies a serialized VersionDelta field.
// These numbers are written to object storage and MUST NOT change.
type Tag uint32

const (
	TagDeltaID     Tag = 1
	TagEpoch       Tag = 2
	TagReason      Tag = 3
	TagNextTableID Tag = 4
	TagGroup       Tag = 5

	// Tags of a nested group section.
	TagGroupID      Tag = 20
	TagNewGroup     Tag = 21
	TagConfigUpdate Tag = 22
	TagSetKeyRanges Tag = 23
	TagAddedTable   Tag = 24
	TagRemovedTable Tag = 25

	// TagSafeIgnoreMask marks fields an older reader may skip. Such fields
	// are always length-prefixed.
	TagSafeIgnoreMask Tag = 1 << 13
)

// IsSafeToIgnore returns true if the tag can be safely ignored when unknown.
func (t Tag) IsSafeToIgnore() bool {
	return t&TagSafeIgnoreMask != 0
}

// configField tags the optional members of a ConfigUpdate.
type configField uint32

const (
	cfgLevelSizeBase       configField = 1
	cfgLevelSizeMultiplier configField = 2
	cfgL0FileTrigger       configField = 3
	cfgTargetFileSize      configField = 4
	cfgLevelCount          configField = 5
	cfgCompression         configField = 6
)
