// Package codec serialises entries and log records to their persisted byte
// layouts and computes the checksums that guard them.
//
// Entry layout (little endian):
//
//	seq(8) | kind(1) | keyLen(4) | key | valLen(4) | val
//
// Record framing wraps a payload for append-only logs:
//
//	payloadLen(4) | xxhash64(payload)(8) | payload
package codec

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

const (
	entryHeaderSize  = 8 + 1 + 4 // seq + kind + keyLen
	recordHeaderSize = 4 + 8     // payloadLen + checksum

	// MaxRecordSize bounds a single framed record. Anything larger is
	// rejected at write time and treated as corruption at read time.
	MaxRecordSize = 1 << 30
)

// EncodedEntrySize returns the serialised size of e.
func EncodedEntrySize(e types.Entry) int {
	return entryHeaderSize + len(e.Key) + 4 + len(e.Value)
}

// AppendEntry serialises e onto dst and returns the extended slice.
func AppendEntry(dst []byte, e types.Entry) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, e.SeqN)
	dst = append(dst, byte(e.Kind))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Key)))
	dst = append(dst, e.Key...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Value)))
	dst = append(dst, e.Value...)
	return dst
}

// DecodeEntry parses one entry from the front of data and returns it together
// with the number of bytes consumed.
func DecodeEntry(data []byte) (types.Entry, int, error) {
	if len(data) < entryHeaderSize {
		return types.Entry{}, 0, dberrors.Corruptionf("entry header truncated: %d bytes", len(data))
	}

	var e types.Entry
	e.SeqN = binary.LittleEndian.Uint64(data[0:8])
	e.Kind = types.Kind(data[8])
	if e.Kind > types.KindDelete {
		return types.Entry{}, 0, dberrors.Corruptionf("unknown entry kind %d", data[8])
	}

	keyLen := int(binary.LittleEndian.Uint32(data[9:13]))
	off := entryHeaderSize
	if len(data) < off+keyLen+4 {
		return types.Entry{}, 0, dberrors.Corruptionf("entry key truncated")
	}
	e.Key = append([]byte(nil), data[off:off+keyLen]...)
	off += keyLen

	valLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if len(data) < off+valLen {
		return types.Entry{}, 0, dberrors.Corruptionf("entry value truncated")
	}
	if valLen > 0 {
		e.Value = append([]byte(nil), data[off:off+valLen]...)
	}
	off += valLen

	return e, off, nil
}

// Sum64 is the checksum used for records, blocks and whole files.
func Sum64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// WriteRecord frames payload with its length and checksum and writes it to w.
func WriteRecord(w io.Writer, payload []byte) error {
	if len(payload) > MaxRecordSize {
		return dberrors.ErrCapacity
	}
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(hdr[4:12], xxhash.Sum64(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadRecord reads one framed record from r and verifies its checksum.
// io.EOF is returned untouched at a clean record boundary; a short header or
// body, or a checksum mismatch, yields a corruption error so callers can
// decide whether a truncated tail is tolerable.
func ReadRecord(r io.Reader) ([]byte, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, dberrors.Corruptionf("record header truncated: %v", err)
	}

	payloadLen := binary.LittleEndian.Uint32(hdr[0:4])
	if payloadLen > MaxRecordSize || payloadLen > math.MaxInt32 {
		return nil, dberrors.Corruptionf("record length %d out of range", payloadLen)
	}
	want := binary.LittleEndian.Uint64(hdr[4:12])

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, dberrors.Corruptionf("record body truncated: %v", err)
	}
	if got := xxhash.Sum64(payload); got != want {
		return nil, dberrors.Corruptionf("record checksum mismatch: got %x want %x", got, want)
	}

	return payload, nil
}
