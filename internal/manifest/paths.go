package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// Prefix is the object store prefix of all manifest objects.
const Prefix = "manifest/"

const (
	deltaSuffix      = ".delta"
	checkpointSuffix = ".ckpt"
)

// DeltaPath returns the object path of the delta producing version id.
func DeltaPath(id uint64) string {
	return fmt.Sprintf("%s%020d%s", Prefix, id, deltaSuffix)
}

// CheckpointPath returns the object path of the checkpoint of version id.
func CheckpointPath(id uint64) string {
	return fmt.Sprintf("%s%020d%s", Prefix, id, checkpointSuffix)
}

// ObjectKind distinguishes manifest object types.
type ObjectKind int

const (
	KindUnknown ObjectKind = iota
	KindDelta
	KindCheckpoint
)

// ParsePath extracts the kind and version id from a manifest object path.
func ParsePath(p string) (ObjectKind, uint64, bool) {
	name, ok := strings.CutPrefix(p, Prefix)
	if !ok {
		return KindUnknown, 0, false
	}
	kind := KindUnknown
	switch {
	case strings.HasSuffix(name, deltaSuffix):
		kind, name = KindDelta, strings.TrimSuffix(name, deltaSuffix)
	case strings.HasSuffix(name, checkpointSuffix):
		kind, name = KindCheckpoint, strings.TrimSuffix(name, checkpointSuffix)
	default:
		return KindUnknown, 0, false
	}
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return KindUnknown, 0, false
	}
	return kind, id, true
}
