// Package memtable holds recent writes in a concurrent sorted skip
// structure until they are flushed to a sorted table.
package memtable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"lsmkv/pkg/types"
)

type concurrentSet = skipmap.FuncMap[[]byte, types.Entry]

func newSet() *concurrentSet {
	return skipmap.NewFunc[[]byte, types.Entry](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// Memtable is the active in-memory table plus the queue of frozen tables
// awaiting flush. Reads are lock-free; the engine serialises writers.
type Memtable struct {
	size       atomic.Uint64
	underlying atomic.Pointer[concurrentSet]

	// frozen immutable tables, newest first; the only data origin once
	// rotation is applied. Reads go through the atomic pointer; immMu
	// serialises the copy-and-swap updates, which come from both the
	// writer (Rotate) and the flusher (Retire).
	imm   atomic.Pointer[[]*Frozen]
	immMu sync.Mutex
}

// Frozen is a read-only snapshot of a rotated memtable. It stays queued
// until its contents are durable in a sorted table.
type Frozen struct {
	set *concurrentSet

	// WALSegment is the sealed log segment covering this table's writes.
	WALSegment uint64
}

func New() *Memtable {
	mt := &Memtable{}
	mt.underlying.Store(newSet())
	empty := []*Frozen{}
	mt.imm.Store(&empty)
	return mt
}

// Put inserts or overwrites the entry for its key. Duplicate keys collapse
// to the highest sequence number.
func (mt *Memtable) Put(e types.Entry) {
	active := mt.underlying.Load()
	if prev, loaded := active.Load(e.Key); loaded && !e.Supersedes(prev) {
		return
	}
	active.Store(e.Key, e)
	// overwrites overcount slightly, which only makes flushes earlier
	mt.size.Add(e.Size())
}

// Get returns the most recent entry for key, consulting the active table
// first and then frozen tables in recency order. The returned entry may be
// a tombstone; callers decide visibility.
func (mt *Memtable) Get(key []byte) (types.Entry, bool) {
	if e, ok := mt.underlying.Load().Load(key); ok {
		return e, true
	}
	for _, frozen := range *mt.imm.Load() {
		if e, ok := frozen.set.Load(key); ok {
			return e, true
		}
	}
	return types.Entry{}, false
}

// ApproxSize returns the byte footprint of the active table.
func (mt *Memtable) ApproxSize() uint64 {
	return mt.size.Load()
}

// Rotate freezes the active table and installs a fresh empty one. The frozen
// table is queued newest-first and returned for flushing. walSegment is the
// sealed WAL segment covering the frozen writes.
//
// The engine's writer lock must be held: rotation races with no writers.
func (mt *Memtable) Rotate(walSegment uint64) *Frozen {
	frozen := &Frozen{set: mt.underlying.Load(), WALSegment: walSegment}

	mt.immMu.Lock()
	queued := append([]*Frozen{frozen}, *mt.imm.Load()...)
	mt.imm.Store(&queued)
	mt.immMu.Unlock()

	mt.underlying.Store(newSet())
	mt.size.Store(0)
	return frozen
}

// Retire drops a frozen table from the queue once it is durable on disk.
func (mt *Memtable) Retire(f *Frozen) {
	mt.immMu.Lock()
	defer mt.immMu.Unlock()
	old := *mt.imm.Load()
	kept := make([]*Frozen, 0, len(old))
	for _, frozen := range old {
		if frozen != f {
			kept = append(kept, frozen)
		}
	}
	mt.imm.Store(&kept)
}

// FrozenCount returns the number of tables awaiting flush.
func (mt *Memtable) FrozenCount() int {
	return len(*mt.imm.Load())
}

// Snapshot returns the entries of the active and frozen tables as sorted
// slices, newest table first. Used to build scan iterators.
func (mt *Memtable) Snapshot() [][]types.Entry {
	out := [][]types.Entry{sorted(mt.underlying.Load())}
	for _, frozen := range *mt.imm.Load() {
		out = append(out, frozen.Sorted())
	}
	return out
}

// Sorted returns the frozen table's entries in ascending key order.
func (f *Frozen) Sorted() []types.Entry {
	return sorted(f.set)
}

// Len returns the number of entries in the frozen table.
func (f *Frozen) Len() int {
	return f.set.Len()
}

func sorted(set *concurrentSet) []types.Entry {
	result := make([]types.Entry, 0, set.Len())
	set.Range(func(_ []byte, e types.Entry) bool {
		result = append(result, e)
		return true
	})
	return result
}
