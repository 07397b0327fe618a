package sstable

import (
	"sort"

	"lsmkv/pkg/codec"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

// tableIterator walks every entry of a table in key order, loading data
// blocks one at a time through the reader.
type tableIterator struct {
	r        *Reader
	blockIdx int
	block    []byte
	entry    types.Entry
	err      error
}

// Iter returns an iterator positioned before the table's first entry.
func (r *Reader) Iter() *tableIterator {
	return &tableIterator{r: r, blockIdx: -1}
}

// IterAt returns an iterator positioned before the first data block that can
// hold keys >= start, found by binary search over the sparse index. Blocks
// before it are never read. The starting block may still open with keys below
// start; callers discard those.
func (r *Reader) IterAt(start []byte) *tableIterator {
	if start == nil {
		return r.Iter()
	}
	// last block whose first key is <= start
	i := sort.Search(len(r.index), func(i int) bool {
		return string(r.index[i].firstKey) > string(start)
	}) - 1
	if i < 0 {
		i = 0
	}
	return &tableIterator{r: r, blockIdx: i - 1}
}

func (it *tableIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for len(it.block) == 0 {
		it.blockIdx++
		if it.blockIdx >= len(it.r.index) {
			return false
		}
		block, err := it.r.readDataBlock(it.r.index[it.blockIdx].handle)
		if err != nil {
			it.err = err
			return false
		}
		it.block = block
	}

	e, n, err := codec.DecodeEntry(it.block)
	if err != nil {
		it.err = dberrors.Corruptionf("table %d block entry: %v", it.r.fileNum, err)
		return false
	}
	it.entry = e
	it.block = it.block[n:]
	return true
}

func (it *tableIterator) Entry() types.Entry {
	return it.entry
}

func (it *tableIterator) Err() error {
	return it.err
}

// Close is a no-op; the reader owns the file handle.
func (it *tableIterator) Close() error {
	it.block = nil
	return nil
}
