// Package sstable implements the immutable on-disk sorted table.
//
// File layout:
//
//	+--------------------+
//	| data block 0       |
//	| data block 1       |
//	| ...                |
//	+--------------------+
//	| filter block       |  membership filter over every key
//	+--------------------+
//	| index block        |  sparse: first key of each data block -> handle
//	+--------------------+
//	| meta block         |  key range, entry count, sequence bounds
//	+--------------------+
//	| footer (68 bytes)  |
//	+--------------------+
//
// A data block is stored as codecID(1) | compressed payload | xxhash64(8),
// where the checksum covers the codec id and the compressed payload. The
// filter, index and meta blocks carry the same trailer without compression.
// The footer records the three block handles, a checksum over everything
// before the footer, the format version and a magic number.
package sstable

import (
	"encoding/binary"
	"fmt"

	"lsmkv/pkg/codec"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

const (
	// Magic identifies a valid sorted table file.
	Magic uint64 = 0x4c534d4b565f5342 // "LSMKV_SB"

	// FormatVersion is bumped on any incompatible layout change.
	FormatVersion uint32 = 1

	// FooterSize is fixed so the footer can be read from the file tail.
	FooterSize = 3*blockHandleSize + 8 + 4 + 8

	// blockTrailerSize is the xxhash64 appended to every stored block.
	blockTrailerSize = 8

	blockHandleSize = 16

	// DefaultBlockSize is the target uncompressed size of a data block.
	DefaultBlockSize = 4 * 1024
)

// BlockHandle locates a stored block within the file, trailer included.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

func (h BlockHandle) appendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, h.Offset)
	return binary.LittleEndian.AppendUint64(dst, h.Size)
}

func decodeBlockHandle(data []byte) BlockHandle {
	return BlockHandle{
		Offset: binary.LittleEndian.Uint64(data[0:8]),
		Size:   binary.LittleEndian.Uint64(data[8:16]),
	}
}

// Footer is the fixed-size tail of every table file.
type Footer struct {
	FilterHandle BlockHandle
	IndexHandle  BlockHandle
	MetaHandle   BlockHandle

	// FileChecksum covers every byte before the footer and detects
	// partial or corrupt writes of the whole file.
	FileChecksum uint64

	Version uint32
}

// Encode renders the footer to exactly FooterSize bytes.
func (f *Footer) Encode() []byte {
	buf := make([]byte, 0, FooterSize)
	buf = f.FilterHandle.appendTo(buf)
	buf = f.IndexHandle.appendTo(buf)
	buf = f.MetaHandle.appendTo(buf)
	buf = binary.LittleEndian.AppendUint64(buf, f.FileChecksum)
	buf = binary.LittleEndian.AppendUint32(buf, f.Version)
	buf = binary.LittleEndian.AppendUint64(buf, Magic)
	return buf
}

// DecodeFooter parses and validates a footer.
func DecodeFooter(data []byte) (*Footer, error) {
	if len(data) != FooterSize {
		return nil, dberrors.Corruptionf("footer is %d bytes, want %d", len(data), FooterSize)
	}
	if magic := binary.LittleEndian.Uint64(data[FooterSize-8:]); magic != Magic {
		return nil, dberrors.Corruptionf("bad table magic %x", magic)
	}

	f := &Footer{
		FilterHandle: decodeBlockHandle(data[0:16]),
		IndexHandle:  decodeBlockHandle(data[16:32]),
		MetaHandle:   decodeBlockHandle(data[32:48]),
		FileChecksum: binary.LittleEndian.Uint64(data[48:56]),
		Version:      binary.LittleEndian.Uint32(data[56:60]),
	}
	if f.Version != FormatVersion {
		return nil, dberrors.Corruptionf("unsupported table format version %d", f.Version)
	}
	return f, nil
}

// indexEntry maps a data block's first key to its handle.
type indexEntry struct {
	firstKey []byte
	handle   BlockHandle
}

func appendIndexEntry(dst []byte, e indexEntry) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.firstKey)))
	dst = append(dst, e.firstKey...)
	return e.handle.appendTo(dst)
}

func decodeIndexEntries(data []byte) ([]indexEntry, error) {
	var entries []indexEntry
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, dberrors.Corruptionf("index entry truncated")
		}
		keyLen := int(binary.LittleEndian.Uint32(data[0:4]))
		if len(data) < 4+keyLen+blockHandleSize {
			return nil, dberrors.Corruptionf("index entry truncated")
		}
		key := append([]byte(nil), data[4:4+keyLen]...)
		handle := decodeBlockHandle(data[4+keyLen:])
		entries = append(entries, indexEntry{firstKey: key, handle: handle})
		data = data[4+keyLen+blockHandleSize:]
	}
	return entries, nil
}

// TableMeta describes a finished table. It is recorded both in the table's
// own meta block and in the manifest.
type TableMeta struct {
	FileNum    uint64
	Size       int64
	Range      types.KeyRange
	EntryCount uint64
	MinSeq     types.SeqN
	MaxSeq     types.SeqN
	CreatedAt  int64
}

// EncodeMeta serialises a table description for the meta block and the
// manifest, which record the same structure.
func EncodeMeta(m *TableMeta) []byte {
	buf := make([]byte, 0, 64+len(m.Range.Min)+len(m.Range.Max))
	buf = binary.LittleEndian.AppendUint64(buf, m.FileNum)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Size))
	buf = binary.LittleEndian.AppendUint64(buf, m.EntryCount)
	buf = binary.LittleEndian.AppendUint64(buf, m.MinSeq)
	buf = binary.LittleEndian.AppendUint64(buf, m.MaxSeq)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.CreatedAt))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Range.Min)))
	buf = append(buf, m.Range.Min...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Range.Max)))
	buf = append(buf, m.Range.Max...)
	return buf
}

// DecodeMeta parses a description produced by EncodeMeta.
func DecodeMeta(data []byte) (*TableMeta, error) {
	if len(data) < 52 {
		return nil, dberrors.Corruptionf("meta block truncated: %d bytes", len(data))
	}
	m := &TableMeta{
		FileNum:    binary.LittleEndian.Uint64(data[0:8]),
		Size:       int64(binary.LittleEndian.Uint64(data[8:16])),
		EntryCount: binary.LittleEndian.Uint64(data[16:24]),
		MinSeq:     binary.LittleEndian.Uint64(data[24:32]),
		MaxSeq:     binary.LittleEndian.Uint64(data[32:40]),
		CreatedAt:  int64(binary.LittleEndian.Uint64(data[40:48])),
	}
	data = data[48:]

	minLen := int(binary.LittleEndian.Uint32(data[0:4]))
	if len(data) < 4+minLen+4 {
		return nil, dberrors.Corruptionf("meta block key range truncated")
	}
	m.Range.Min = append([]byte(nil), data[4:4+minLen]...)
	data = data[4+minLen:]

	maxLen := int(binary.LittleEndian.Uint32(data[0:4]))
	if len(data) < 4+maxLen {
		return nil, dberrors.Corruptionf("meta block key range truncated")
	}
	m.Range.Max = append([]byte(nil), data[4:4+maxLen]...)

	return m, nil
}

// FileName renders the canonical table file name for a file number,
// zero-padded so lexical order matches numeric order.
func FileName(fileNum uint64) string {
	return fmt.Sprintf("%020d.sst", fileNum)
}

// blockChecksum is shared by writer and reader.
func blockChecksum(stored []byte) uint64 {
	return codec.Sum64(stored)
}
