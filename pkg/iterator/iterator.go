// Package iterator provides the forward iteration primitives shared by the
// read path and the compaction merge: a minimal interface, adapters over
// in-memory slices, a heap-based k-way merge with latest-wins deduplication,
// and range bounding.
package iterator

import "lsmkv/pkg/types"

// Iterator walks a sorted sequence of entries in ascending key order.
// A freshly built iterator is positioned before the first entry; call Next
// once to reach it.
type Iterator interface {
	// Next advances to the next entry and reports whether one exists.
	Next() bool
	// Entry returns the current entry. Only valid after Next returned true.
	Entry() types.Entry
	// Err returns the first error the iterator encountered. Iteration
	// stops at the first error; callers must check Err after Next returns
	// false.
	Err() error
	// Close releases resources.
	Close() error
}

// Slice iterates over an in-memory slice already sorted by key ascending.
type Slice struct {
	entries []types.Entry
	pos     int
}

func NewSlice(entries []types.Entry) *Slice {
	return &Slice{entries: entries, pos: -1}
}

func (s *Slice) Next() bool {
	if s.pos+1 >= len(s.entries) {
		return false
	}
	s.pos++
	return true
}

func (s *Slice) Entry() types.Entry { return s.entries[s.pos] }
func (s *Slice) Err() error         { return nil }
func (s *Slice) Close() error       { return nil }
