package epochkv

import (
	"errors"

	"github.com/aalhour/epochkv/internal/catalog"
	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/version"
)

// Errors returned by the engine. Match them with errors.Is.
var (
	ErrNotFound         = errors.New("epochkv: key not found")
	ErrClosed           = errors.New("epochkv: engine is closed")
	ErrSnapshotReleased = errors.New("epochkv: snapshot released")

	// Cluster state.
	ErrClusterPaused = version.ErrClusterPaused

	// Rejected version deltas.
	ErrUnknownGroup      = version.ErrUnknownGroup
	ErrConflict          = version.ErrConflict
	ErrInvalidDelta      = version.ErrInvalidDelta
	ErrEpochNotCommitted = version.ErrEpochNotCommitted
	ErrSnapshotTooOld    = version.ErrSnapshotTooOld

	// Fatal conditions. A group that hit an invariant violation rejects
	// every later commit.
	ErrInvariantViolation = version.ErrInvariantViolation
	ErrGroupFailed        = version.ErrGroupFailed
	ErrCorruption         = version.ErrCorruption
	ErrFatal              = logging.ErrFatal

	// Schema errors.
	ErrColumnExists          = catalog.ErrColumnExists
	ErrCannotAlterPrimaryKey = catalog.ErrCannotAlterPrimaryKey
	ErrNotAlterable          = catalog.ErrNotAlterable
	ErrRelationNotFound      = catalog.ErrRelationNotFound
	ErrRelationExists        = catalog.ErrRelationExists
)
