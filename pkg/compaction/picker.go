package compaction

import (
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/types"
)

// job describes one compaction: the claimed input tables and the level
// their merged output lands on.
type job struct {
	sourceLevel int
	outputLevel int

	inputs []input
	rng    types.KeyRange

	// bottommost means no deeper level can hold an older version of any
	// input key, so tombstones may be dropped.
	bottommost bool
}

type input struct {
	level int
	table *manifest.Table
}

func (j *job) fileNums() []uint64 {
	nums := make([]uint64, len(j.inputs))
	for i, in := range j.inputs {
		nums[i] = in.table.Meta.FileNum
	}
	return nums
}

func (j *job) inputBytes() int64 {
	var total int64
	for _, in := range j.inputs {
		total += in.table.Meta.Size
	}
	return total
}

func (j *job) inputEntries() uint64 {
	var total uint64
	for _, in := range j.inputs {
		total += in.table.Meta.EntryCount
	}
	return total
}

// levelBudget returns the size budget for a level. Level 1 gets the base
// budget and each deeper level ten times its parent.
func (c *Compactor) levelBudget(level int) int64 {
	budget := c.opts.BaseLevelSize
	for l := 1; l < level; l++ {
		budget *= 10
	}
	return budget
}

// pick selects the most urgent compaction and claims its tables, or
// returns nil when nothing crosses a trigger. Level 0 wins over size
// triggers because its tables overlap and stall reads.
func (c *Compactor) pick(v *manifest.Version) *job {
	if j := c.pickL0(v); j != nil {
		return j
	}

	bestLevel, bestScore := 0, 1.0
	for level := 1; level < manifest.MaxLevels-1; level++ {
		size := v.LevelSize(level)
		if size == 0 {
			continue
		}
		score := float64(size) / float64(c.levelBudget(level))
		if score > bestScore {
			bestLevel, bestScore = level, score
		}
	}
	if bestLevel == 0 {
		return nil
	}
	return c.pickLevel(v, bestLevel)
}

func (c *Compactor) pickL0(v *manifest.Version) *job {
	l0 := v.Level(0)
	if len(l0) < c.opts.L0Trigger {
		return nil
	}

	j := &job{sourceLevel: 0, outputLevel: 1}
	for _, t := range l0 {
		if c.set.IsCompacting(t.Meta.FileNum) {
			// An L0 run is already in flight; wait for it.
			return nil
		}
		j.inputs = append(j.inputs, input{level: 0, table: t})
		j.rng = extendRange(j.rng, t.Meta.Range)
	}
	return c.finishJob(v, j)
}

func (c *Compactor) pickLevel(v *manifest.Version, level int) *job {
	// Prefer the source table with the least overlap below, which moves
	// the most bytes per byte rewritten.
	var (
		source       *manifest.Table
		sourceBurden = int64(-1)
	)
	for _, t := range v.Level(level) {
		if c.set.IsCompacting(t.Meta.FileNum) {
			continue
		}
		var burden int64
		for _, o := range v.Overlapping(level+1, t.Meta.Range) {
			burden += o.Meta.Size
		}
		if sourceBurden < 0 || burden < sourceBurden {
			source, sourceBurden = t, burden
		}
	}
	if source == nil {
		return nil
	}

	j := &job{sourceLevel: level, outputLevel: level + 1}
	j.inputs = append(j.inputs, input{level: level, table: source})
	j.rng = extendRange(j.rng, source.Meta.Range)
	return c.finishJob(v, j)
}

// finishJob pulls in the overlapping output level tables, decides whether
// the job is bottommost and claims every input.
func (c *Compactor) finishJob(v *manifest.Version, j *job) *job {
	for _, t := range v.Overlapping(j.outputLevel, j.rng) {
		if c.set.IsCompacting(t.Meta.FileNum) {
			return nil
		}
		j.inputs = append(j.inputs, input{level: j.outputLevel, table: t})
		j.rng = extendRange(j.rng, t.Meta.Range)
	}

	j.bottommost = true
	for level := j.outputLevel + 1; level < manifest.MaxLevels; level++ {
		if len(v.Overlapping(level, j.rng)) > 0 {
			j.bottommost = false
			break
		}
	}

	if !c.set.MarkCompacting(j.fileNums()...) {
		return nil
	}
	return j
}

func extendRange(r types.KeyRange, other types.KeyRange) types.KeyRange {
	return r.Extend(other.Min).Extend(other.Max)
}
