package manifest

import (
	"bytes"
	"sort"
	"sync/atomic"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

// MaxLevels bounds the tree depth. With 10x level budgets seven levels
// cover far more data than a single node stores.
const MaxLevels = 7

// Version is an immutable snapshot of the table layout. Level 0 is ordered
// newest first and its tables may overlap; every deeper level is sorted by
// minimum key with disjoint ranges. Readers pin a version with Ref and
// release it with Unref when done.
type Version struct {
	levels [MaxLevels][]*Table
	refs   atomic.Int32
}

func newVersion() *Version {
	return &Version{}
}

// Ref pins the version and every table it references.
func (v *Version) Ref() *Version {
	v.refs.Add(1)
	return v
}

// Unref releases the pin. The last release drops the table references,
// which deletes any obsoleted files.
func (v *Version) Unref() {
	n := v.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("lsmkv: version reference count below zero")
	}
	for _, level := range v.levels {
		for _, t := range level {
			t.unref()
		}
	}
}

// Level returns the tables at the given level. The slice must not be
// mutated.
func (v *Version) Level(level int) []*Table {
	return v.levels[level]
}

// Tables returns every table across all levels.
func (v *Version) Tables() []*Table {
	var out []*Table
	for _, level := range v.levels {
		out = append(out, level...)
	}
	return out
}

// LevelSize returns the total file size of a level in bytes.
func (v *Version) LevelSize(level int) int64 {
	var size int64
	for _, t := range v.levels[level] {
		size += t.Meta.Size
	}
	return size
}

// Overlapping returns the tables at level whose key ranges intersect r.
func (v *Version) Overlapping(level int, r types.KeyRange) []*Table {
	var out []*Table
	for _, t := range v.levels[level] {
		if t.Meta.Range.Overlaps(r) {
			out = append(out, t)
		}
	}
	return out
}

// Get walks the levels newest to oldest and returns the first entry found
// for key. Level 0 tables are probed in recency order; deeper levels hold
// at most one candidate table.
func (v *Version) Get(key []byte) (types.Entry, bool, error) {
	for _, t := range v.levels[0] {
		e, ok, err := t.Reader().Get(key)
		if err != nil || ok {
			return e, ok, err
		}
	}

	for level := 1; level < MaxLevels; level++ {
		tables := v.levels[level]
		i := sort.Search(len(tables), func(i int) bool {
			return bytes.Compare(tables[i].Meta.Range.Max, key) >= 0
		})
		if i >= len(tables) || !tables[i].Meta.Range.Contains(key) {
			continue
		}
		e, ok, err := tables[i].Reader().Get(key)
		if err != nil || ok {
			return e, ok, err
		}
	}
	return types.Entry{}, false, nil
}

func sortTablesByMinKey(tables []*Table) {
	sort.Slice(tables, func(i, j int) bool {
		return bytes.Compare(tables[i].Meta.Range.Min, tables[j].Meta.Range.Min) < 0
	})
}

func sortTablesByFileNumDesc(tables []*Table) {
	sort.Slice(tables, func(i, j int) bool {
		return tables[i].Meta.FileNum > tables[j].Meta.FileNum
	})
}

// apply builds the successor version. Removed tables are dropped, added
// tables joined in, and every surviving table re-referenced for the new
// version. The returned version carries one reference owned by the caller;
// releasing it with Unref drops the table references again.
func (v *Version) apply(edit *Edit, tables map[uint64]*Table) (*Version, error) {
	removed := make(map[uint64]bool, len(edit.RemovedTables))
	for _, rm := range edit.RemovedTables {
		removed[rm.FileNum] = true
	}

	next := newVersion()
	for level := 0; level < MaxLevels; level++ {
		for _, t := range v.levels[level] {
			if removed[t.Meta.FileNum] {
				delete(removed, t.Meta.FileNum)
				continue
			}
			next.levels[level] = append(next.levels[level], t)
		}
	}
	if len(removed) > 0 {
		return nil, dberrors.Invariantf("version edit removes unknown tables: %v", removed)
	}

	for _, add := range edit.AddedTables {
		if add.Level < 0 || add.Level >= MaxLevels {
			return nil, dberrors.Invariantf("version edit adds table to level %d", add.Level)
		}
		t, ok := tables[add.Meta.FileNum]
		if !ok {
			return nil, dberrors.Invariantf("version edit adds unopened table %d", add.Meta.FileNum)
		}
		if add.Level == 0 {
			// newest first
			next.levels[0] = append([]*Table{t}, next.levels[0]...)
		} else {
			next.levels[add.Level] = append(next.levels[add.Level], t)
		}
	}

	for level := 1; level < MaxLevels; level++ {
		tables := next.levels[level]
		sort.Slice(tables, func(i, j int) bool {
			return bytes.Compare(tables[i].Meta.Range.Min, tables[j].Meta.Range.Min) < 0
		})
		for i := 1; i < len(tables); i++ {
			if tables[i-1].Meta.Range.Overlaps(tables[i].Meta.Range) {
				return nil, dberrors.Invariantf("tables %d and %d overlap at level %d",
					tables[i-1].Meta.FileNum, tables[i].Meta.FileNum, level)
			}
		}
	}

	for _, level := range next.levels {
		for _, t := range level {
			t.ref()
		}
	}
	return next.Ref(), nil
}
