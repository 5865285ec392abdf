package version

import (
	"errors"
	"fmt"

	"github.com/aalhour/epochkv/internal/manifest"
)

var (
	// ErrClusterPaused is returned for epoch advancement and data commits
	// while the cluster is paused.
	ErrClusterPaused = errors.New("version: cluster paused")

	// ErrUnknownGroup is returned when a delta names a group that does not exist.
	ErrUnknownGroup = errors.New("version: unknown compaction group")

	// ErrConflict is returned when a delta removes a table that is no longer
	// in the current version. The caller recomputes against the new version.
	ErrConflict = errors.New("version: conflicting commit")

	// ErrInvalidDelta is returned for malformed deltas.
	ErrInvalidDelta = errors.New("version: invalid delta")

	// ErrInvariantViolation is returned when applying a delta would break a
	// structural invariant, such as overlapping tables in a level >= 1.
	ErrInvariantViolation = errors.New("version: invariant violation")

	// ErrGroupFailed is returned for commits touching a group that hit an
	// invariant violation earlier.
	ErrGroupFailed = errors.New("version: compaction group failed")

	// ErrCorruption is returned when the persisted manifest cannot be decoded
	// or replayed.
	ErrCorruption = errors.New("version: manifest corruption")

	// ErrEpochNotCommitted is returned when pinning an epoch newer than the
	// committed epoch.
	ErrEpochNotCommitted = errors.New("version: epoch not committed")

	// ErrSnapshotTooOld is returned when pinning an epoch older than the
	// compaction watermark.
	ErrSnapshotTooOld = errors.New("version: snapshot too old")
)

// InvariantError reports the group whose invariant broke.
type InvariantError struct {
	Group  manifest.GroupID
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("version: invariant violation in group %d: %s", e.Group, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// IsRejection reports whether err is a commit rejection decided by the
// manifest rules rather than an I/O failure. Rejections are not retried
// with backoff.
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrClusterPaused, ErrUnknownGroup, ErrConflict, ErrInvalidDelta,
		ErrInvariantViolation, ErrGroupFailed, ErrCorruption,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
