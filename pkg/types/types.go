// Package types defines the core data model shared by every layer of the
// engine: keys, values, sequence numbers and entries.
package types

import "bytes"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing sequence number. The entry with the
// highest sequence number for a key is authoritative.
type SeqN = uint64

// Kind tags an entry as a write or a deletion marker.
type Kind uint8

const (
	KindPut Kind = iota
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "PUT"
	case KindDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Entry is the fundamental unit of data in the engine. A tombstone carries a
// nil value and KindDelete.
type Entry struct {
	Key   Key
	Value Value
	SeqN  SeqN
	Kind  Kind
}

// NewPut builds a regular write entry.
func NewPut(key Key, value Value, seq SeqN) Entry {
	return Entry{Key: key, Value: value, SeqN: seq, Kind: KindPut}
}

// NewTombstone builds a deletion marker for key.
func NewTombstone(key Key, seq SeqN) Entry {
	return Entry{Key: key, SeqN: seq, Kind: KindDelete}
}

// Tombstone reports whether the entry records a deletion.
func (e Entry) Tombstone() bool {
	return e.Kind == KindDelete
}

// Size returns the in-memory footprint used for flush accounting.
func (e Entry) Size() uint64 {
	const fixed = 8 + 1 // seq + kind
	return fixed + uint64(len(e.Key)) + uint64(len(e.Value))
}

// Supersedes reports whether e wins over other for the same key.
func (e Entry) Supersedes(other Entry) bool {
	return e.SeqN > other.SeqN
}

// KeyRange is the inclusive [Min, Max] span of keys covered by a table.
type KeyRange struct {
	Min Key
	Max Key
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key Key) bool {
	return bytes.Compare(key, r.Min) >= 0 && bytes.Compare(key, r.Max) <= 0
}

// Overlaps reports whether two ranges share at least one key.
func (r KeyRange) Overlaps(other KeyRange) bool {
	return bytes.Compare(r.Min, other.Max) <= 0 && bytes.Compare(other.Min, r.Max) <= 0
}

// Extend grows the range to include key.
func (r KeyRange) Extend(key Key) KeyRange {
	if r.Min == nil || bytes.Compare(key, r.Min) < 0 {
		r.Min = key
	}
	if r.Max == nil || bytes.Compare(key, r.Max) > 0 {
		r.Max = key
	}
	return r
}
