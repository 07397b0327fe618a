package iterator

import (
	"bytes"

	"lsmkv/pkg/types"
)

// Bounded restricts an iterator to the half-open key range [start, end).
// A nil start begins at the first key; a nil end runs to the last.
type Bounded struct {
	inner Iterator
	start types.Key
	end   types.Key
	done  bool
}

func NewBounded(inner Iterator, start, end types.Key) *Bounded {
	return &Bounded{inner: inner, start: start, end: end}
}

func (b *Bounded) Next() bool {
	if b.done {
		return false
	}
	for b.inner.Next() {
		key := b.inner.Entry().Key
		if b.start != nil && bytes.Compare(key, b.start) < 0 {
			continue
		}
		if b.end != nil && bytes.Compare(key, b.end) >= 0 {
			b.done = true
			return false
		}
		return true
	}
	b.done = true
	return false
}

func (b *Bounded) Entry() types.Entry { return b.inner.Entry() }
func (b *Bounded) Err() error         { return b.inner.Err() }
func (b *Bounded) Close() error       { return b.inner.Close() }

// SkipTombstones hides deletion markers from user-facing scans. It must sit
// above a Merge so the tombstone has already shadowed older values.
type SkipTombstones struct {
	inner Iterator
}

func NewSkipTombstones(inner Iterator) *SkipTombstones {
	return &SkipTombstones{inner: inner}
}

func (s *SkipTombstones) Next() bool {
	for s.inner.Next() {
		if !s.inner.Entry().Tombstone() {
			return true
		}
	}
	return false
}

func (s *SkipTombstones) Entry() types.Entry { return s.inner.Entry() }
func (s *SkipTombstones) Err() error         { return s.inner.Err() }
func (s *SkipTombstones) Close() error       { return s.inner.Close() }
