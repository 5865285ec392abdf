package compaction

import (
	"math"

	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/version"
)

// Picker selects compactions for one group.
type Picker interface {
	// NeedsCompaction returns true if compaction is needed.
	NeedsCompaction(g *version.GroupState) bool

	// PickCompaction selects tables for the next compaction.
	// Returns nil if no compaction is needed.
	PickCompaction(g *version.GroupState) *Compaction
}

// LeveledPicker implements the leveled policy. All thresholds come from the
// group's config, so one picker serves every group.
type LeveledPicker struct{}

var _ Picker = LeveledPicker{}

// LevelThreshold returns the target size of level >= 1:
// LevelSizeBase * LevelSizeMultiplier^(level-1), saturating at MaxUint64.
func LevelThreshold(cfg *manifest.GroupConfig, level int) uint64 {
	size := cfg.LevelSizeBase
	for i := 1; i < level; i++ {
		if size > math.MaxUint64/cfg.LevelSizeMultiplier {
			return math.MaxUint64
		}
		size *= cfg.LevelSizeMultiplier
	}
	return size
}

// Score returns how far level overshoots its threshold; >= 1 means the level
// needs compaction. L0 scores by the larger of file count over the trigger
// and bytes over LevelSizeBase. The last level is never a source and scores 0.
func Score(g *version.GroupState, level int) float64 {
	cfg := &g.Config
	if level >= len(g.Levels)-1 {
		return 0
	}
	if level == 0 {
		files := float64(len(g.Levels[0])) / float64(cfg.L0FileTrigger)
		bytes := float64(g.LevelSize(0)) / float64(cfg.LevelSizeBase)
		return max(files, bytes)
	}
	return float64(g.LevelSize(level)) / float64(LevelThreshold(cfg, level))
}

// NeedsCompaction returns true if any level of g scores >= 1.
func (LeveledPicker) NeedsCompaction(g *version.GroupState) bool {
	_, score := bestLevel(g)
	return score >= 1
}

func bestLevel(g *version.GroupState) (int, float64) {
	best, bestScore := -1, 0.0
	for level := 0; level < len(g.Levels)-1; level++ {
		if s := Score(g, level); s > bestScore {
			best, bestScore = level, s
		}
	}
	return best, bestScore
}

// PickCompaction picks the level with the largest overshoot. From L0 every
// table is taken; from L >= 1 the largest table. Overlapping tables of the
// next level join the inputs.
func (LeveledPicker) PickCompaction(g *version.GroupState) *Compaction {
	level, score := bestLevel(g)
	if level < 0 || score < 1 {
		return nil
	}
	var c *Compaction
	if level == 0 {
		c = pickLevel(g, 0, g.Levels[0])
		c.Reason = ReasonL0FileNum
	} else {
		var picked *manifest.TableMeta
		for _, t := range g.Levels[level] {
			if picked == nil || t.Size > picked.Size {
				picked = t
			}
		}
		c = pickLevel(g, level, []*manifest.TableMeta{picked})
		c.Reason = ReasonLevelSize
	}
	c.Score = score
	return c
}

// PickManual takes every table of level and the overlapping tables of the
// next level. It returns nil when level is empty or the last level.
func PickManual(g *version.GroupState, level int) *Compaction {
	if level >= len(g.Levels)-1 || len(g.Levels[level]) == 0 {
		return nil
	}
	c := pickLevel(g, level, g.Levels[level])
	c.Reason = ReasonManual
	return c
}

func pickLevel(g *version.GroupState, level int, tables []*manifest.TableMeta) *Compaction {
	inputs := []*InputTables{{Level: level, Tables: append([]*manifest.TableMeta(nil), tables...)}}
	c := NewCompaction(g.ID(), inputs, level+1)
	if next := g.Overlapping(level+1, c.SmallestKey, c.LargestKey); len(next) > 0 {
		c.Inputs = append(c.Inputs, &InputTables{Level: level + 1, Tables: next})
		c.computeKeyRange()
	}
	c.MaxOutputFileSize = g.Config.TargetFileSize
	c.Compression = g.Config.Compression
	c.IsTrivialMove = len(c.Inputs) == 1 && len(tables) == 1
	return c
}
