package manifest

import (
	"encoding/binary"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/types"
)

// Edit is one atomic transition between versions: tables added and removed
// together with the sequence and log positions that make recovery cut over
// cleanly. Edits are appended to the manifest as single framed records.
type Edit struct {
	// LastSeq raises the recovered sequence floor. Zero means unchanged.
	LastSeq types.SeqN

	// WALCheckpoint records the newest log segment whose entries are fully
	// covered by tables. Zero means unchanged.
	WALCheckpoint uint64

	AddedTables   []AddedTable
	RemovedTables []RemovedTable
}

// AddedTable places a finished table at a level.
type AddedTable struct {
	Level int
	Meta  *sstable.TableMeta
}

// RemovedTable drops a table from a level.
type RemovedTable struct {
	Level   int
	FileNum uint64
}

// Edit field tags. Part of the manifest format.
const (
	tagLastSeq       = 1
	tagWALCheckpoint = 2
	tagAddedTable    = 3
	tagRemovedTable  = 4
)

// Encode serialises the edit as a sequence of tagged fields.
func (e *Edit) Encode() []byte {
	var buf []byte
	if e.LastSeq != 0 {
		buf = append(buf, tagLastSeq)
		buf = binary.LittleEndian.AppendUint64(buf, e.LastSeq)
	}
	if e.WALCheckpoint != 0 {
		buf = append(buf, tagWALCheckpoint)
		buf = binary.LittleEndian.AppendUint64(buf, e.WALCheckpoint)
	}
	for _, add := range e.AddedTables {
		buf = append(buf, tagAddedTable)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(add.Level))
		meta := sstable.EncodeMeta(add.Meta)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(meta)))
		buf = append(buf, meta...)
	}
	for _, rm := range e.RemovedTables {
		buf = append(buf, tagRemovedTable)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(rm.Level))
		buf = binary.LittleEndian.AppendUint64(buf, rm.FileNum)
	}
	return buf
}

// DecodeEdit parses an edit record.
func DecodeEdit(data []byte) (*Edit, error) {
	e := &Edit{}
	for len(data) > 0 {
		tag := data[0]
		data = data[1:]
		switch tag {
		case tagLastSeq:
			if len(data) < 8 {
				return nil, dberrors.Corruptionf("manifest edit truncated")
			}
			e.LastSeq = binary.LittleEndian.Uint64(data)
			data = data[8:]
		case tagWALCheckpoint:
			if len(data) < 8 {
				return nil, dberrors.Corruptionf("manifest edit truncated")
			}
			e.WALCheckpoint = binary.LittleEndian.Uint64(data)
			data = data[8:]
		case tagAddedTable:
			if len(data) < 8 {
				return nil, dberrors.Corruptionf("manifest edit truncated")
			}
			level := int(binary.LittleEndian.Uint32(data))
			metaLen := int(binary.LittleEndian.Uint32(data[4:]))
			data = data[8:]
			if len(data) < metaLen {
				return nil, dberrors.Corruptionf("manifest edit truncated")
			}
			meta, err := sstable.DecodeMeta(data[:metaLen])
			if err != nil {
				return nil, err
			}
			e.AddedTables = append(e.AddedTables, AddedTable{Level: level, Meta: meta})
			data = data[metaLen:]
		case tagRemovedTable:
			if len(data) < 12 {
				return nil, dberrors.Corruptionf("manifest edit truncated")
			}
			e.RemovedTables = append(e.RemovedTables, RemovedTable{
				Level:   int(binary.LittleEndian.Uint32(data)),
				FileNum: binary.LittleEndian.Uint64(data[4:]),
			})
			data = data[12:]
		default:
			return nil, dberrors.Corruptionf("manifest edit has unknown tag %d", tag)
		}
	}
	return e, nil
}
