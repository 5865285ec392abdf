// Package compaction implements leveled compaction for compaction groups.
//
// Each group is compacted independently with its own level thresholds. A
// generator scores every group and enqueues at most one task per group into
// a bounded priority queue; a pool of workers executes the tasks.
package compaction

import (
	"bytes"

	"github.com/aalhour/epochkv/internal/compression"
	"github.com/aalhour/epochkv/internal/manifest"
)

// Compaction represents a single compaction of one group.
// It describes which tables to read (inputs) and where to write (output level).
type Compaction struct {
	Group manifest.GroupID

	// Input tables organized by level; the first entry is the source level.
	Inputs []*InputTables

	// The output level
	OutputLevel int

	// Maximum output table size
	MaxOutputFileSize uint64

	Compression compression.Type

	// Smallest and largest user keys across all input tables
	SmallestKey []byte
	LargestKey  []byte

	// Whether this is a trivial move (no merging needed)
	IsTrivialMove bool

	// The score that triggered this compaction
	Score float64

	// The reason for this compaction
	Reason Reason
}

// InputTables represents input tables from a single level.
type InputTables struct {
	Level  int
	Tables []*manifest.TableMeta
}

// Reason indicates why a compaction was triggered.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonL0FileNum
	ReasonLevelSize
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonL0FileNum:
		return "L0 file count"
	case ReasonLevelSize:
		return "Level size"
	case ReasonManual:
		return "Manual"
	default:
		return "Unknown"
	}
}

// NewCompaction creates a new Compaction with the given inputs and output level.
func NewCompaction(group manifest.GroupID, inputs []*InputTables, outputLevel int) *Compaction {
	c := &Compaction{
		Group:             group,
		Inputs:            inputs,
		OutputLevel:       outputLevel,
		MaxOutputFileSize: 64 << 20,
	}
	c.computeKeyRange()
	return c
}

// NumInputTables returns the total number of input tables.
func (c *Compaction) NumInputTables() int {
	total := 0
	for _, in := range c.Inputs {
		total += len(in.Tables)
	}
	return total
}

// InputBytes returns the total size of the input tables.
func (c *Compaction) InputBytes() uint64 {
	var n uint64
	for _, in := range c.Inputs {
		for _, t := range in.Tables {
			n += t.Size
		}
	}
	return n
}

// StartLevel returns the start level of this compaction.
func (c *Compaction) StartLevel() int {
	if len(c.Inputs) == 0 {
		return -1
	}
	return c.Inputs[0].Level
}

func (c *Compaction) computeKeyRange() {
	for _, in := range c.Inputs {
		for _, t := range in.Tables {
			if c.SmallestKey == nil || bytes.Compare(t.Smallest, c.SmallestKey) < 0 {
				c.SmallestKey = t.Smallest
			}
			if c.LargestKey == nil || bytes.Compare(t.Largest, c.LargestKey) > 0 {
				c.LargestKey = t.Largest
			}
		}
	}
}

// AddInputDeletions records the removal of every input table in d.
func (c *Compaction) AddInputDeletions(d *manifest.VersionDelta) {
	for _, in := range c.Inputs {
		for _, t := range in.Tables {
			d.RemoveTable(t)
		}
	}
}
