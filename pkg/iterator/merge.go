package iterator

import (
	"bytes"
	"container/heap"

	"lsmkv/pkg/types"
)

// Merge combines several sorted inputs into one sorted stream. Inputs must
// be ordered by recency: when two inputs yield the same key, the entry with
// the higher sequence number wins and the others are discarded, so the
// stream carries exactly one entry per key.
//
// Tombstones are passed through; wrap with SkipTombstones for user-facing
// scans or let compaction decide when to drop them.
type Merge struct {
	h       mergeHeap
	inputs  []Iterator
	current types.Entry
	started bool
	err     error
}

type mergeItem struct {
	iter Iterator
	rank int // input position, lower = newer, tie-break only
}

func NewMerge(inputs ...Iterator) *Merge {
	m := &Merge{inputs: inputs}
	for rank, it := range inputs {
		if it.Next() {
			m.h = append(m.h, mergeItem{iter: it, rank: rank})
		} else if err := it.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
	return m
}

func (m *Merge) Next() bool {
	if m.err != nil || len(m.h) == 0 {
		return false
	}

	winner := m.pop()
	if m.err != nil {
		return false
	}

	// absorb every other version of the same key
	for len(m.h) > 0 && bytes.Equal(m.h[0].iter.Entry().Key, winner.Key) {
		loser := m.pop()
		if m.err != nil {
			return false
		}
		if loser.Supersedes(winner) {
			winner = loser
		}
	}

	m.current = winner
	m.started = true
	return true
}

// pop removes the smallest head entry and re-queues its iterator.
func (m *Merge) pop() types.Entry {
	item := heap.Pop(&m.h).(mergeItem)
	e := item.iter.Entry()
	if item.iter.Next() {
		heap.Push(&m.h, item)
	} else if err := item.iter.Err(); err != nil {
		m.err = err
	}
	return e
}

func (m *Merge) Entry() types.Entry { return m.current }
func (m *Merge) Err() error         { return m.err }

func (m *Merge) Close() error {
	var first error
	for _, it := range m.inputs {
		if err := it.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	cmp := bytes.Compare(h[i].iter.Entry().Key, h[j].iter.Entry().Key)
	if cmp != 0 {
		return cmp < 0
	}
	// equal keys: surface the higher sequence first so the winner is found
	// regardless of absorption order; rank breaks exact ties
	if a, b := h[i].iter.Entry().SeqN, h[j].iter.Entry().SeqN; a != b {
		return a > b
	}
	return h[i].rank < h[j].rank
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
