// Package batch stages multiple mutations for one atomic apply.
package batch

import "lsmkv/pkg/types"

// WriteBatch collects puts and deletes in application order. Sequence
// numbers are assigned when the engine applies the batch; until then the
// staged entries carry zero. A batch is not safe for concurrent mutation.
type WriteBatch struct {
	ops  []types.Entry
	size uint64
}

// New returns an empty batch.
func New() *WriteBatch {
	return &WriteBatch{}
}

// Put stages a write.
func (b *WriteBatch) Put(key types.Key, value types.Value) {
	e := types.NewPut(key, value, 0)
	b.ops = append(b.ops, e)
	b.size += e.Size()
}

// Delete stages a tombstone.
func (b *WriteBatch) Delete(key types.Key) {
	e := types.NewTombstone(key, 0)
	b.ops = append(b.ops, e)
	b.size += e.Size()
}

// Clear empties the batch for reuse.
func (b *WriteBatch) Clear() {
	b.ops = b.ops[:0]
	b.size = 0
}

// Count returns the number of staged mutations.
func (b *WriteBatch) Count() int {
	return len(b.ops)
}

// Size returns the staged payload footprint in bytes.
func (b *WriteBatch) Size() uint64 {
	return b.size
}

// Ops exposes the staged entries to the engine. The slice is owned by the
// batch and valid until the next mutation or Clear.
func (b *WriteBatch) Ops() []types.Entry {
	return b.ops
}
