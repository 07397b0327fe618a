package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"

	"lsmkv/pkg/bloom"
	"lsmkv/pkg/codec"
	"lsmkv/pkg/compress"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

// WriterOptions configures table construction.
type WriterOptions struct {
	// BlockSize is the target uncompressed data block size.
	BlockSize int
	// FPRate is the membership filter false positive rate.
	FPRate float64
	// ExpectedKeys sizes the filter. Flushes know the memtable length;
	// compactions estimate from input counts.
	ExpectedKeys int
	// Codec compresses data blocks. Defaults to snappy.
	Codec compress.Codec
}

func (o *WriterOptions) withDefaults() WriterOptions {
	opts := *o
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.FPRate <= 0 || opts.FPRate >= 1 {
		opts.FPRate = 0.01
	}
	if opts.ExpectedKeys <= 0 {
		opts.ExpectedKeys = 1 << 12
	}
	if opts.Codec == nil {
		opts.Codec, _ = compress.ByName("snappy")
	}
	return opts
}

// Writer builds one table file from entries added in ascending key order.
// On any error the partial file is removed; a table either exists complete
// and checksummed or not at all.
type Writer struct {
	path    string
	fileNum uint64
	opts    WriterOptions

	file   *os.File
	w      *bufio.Writer
	digest *xxhash.Digest
	offset uint64

	block    []byte
	firstKey []byte
	index    []byte
	filter   *bloom.Filter

	count   uint64
	minSeq  types.SeqN
	maxSeq  types.SeqN
	rng     types.KeyRange
	lastKey []byte

	finished bool
	err      error
}

// NewWriter creates the table file. dir must exist.
func NewWriter(dir string, fileNum uint64, opts WriterOptions) (*Writer, error) {
	opts = opts.withDefaults()

	path := filepath.Join(dir, FileName(fileNum))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create table file: %w", err)
	}

	return &Writer{
		path:    path,
		fileNum: fileNum,
		opts:    opts,
		file:    file,
		w:       bufio.NewWriterSize(file, 64*1024),
		digest:  xxhash.New(),
		filter:  bloom.New(uint32(opts.ExpectedKeys), opts.FPRate),
		minSeq:  ^types.SeqN(0),
	}, nil
}

// Add appends an entry. Keys must arrive in strictly ascending order;
// regression is an invariant violation, not an I/O error.
func (wr *Writer) Add(e types.Entry) error {
	if wr.finished {
		return dberrors.ErrClosed
	}
	if wr.err != nil {
		return wr.err
	}
	if wr.lastKey != nil && bytes.Compare(e.Key, wr.lastKey) <= 0 {
		wr.err = dberrors.Invariantf("table writer keys out of order: %q after %q", e.Key, wr.lastKey)
		return wr.err
	}

	if len(wr.block) == 0 {
		wr.firstKey = append(wr.firstKey[:0], e.Key...)
	}
	wr.block = codec.AppendEntry(wr.block, e)
	wr.lastKey = append(wr.lastKey[:0], e.Key...)

	wr.filter.Add(e.Key)
	wr.rng = wr.rng.Extend(append([]byte(nil), e.Key...))
	if e.SeqN < wr.minSeq {
		wr.minSeq = e.SeqN
	}
	if e.SeqN > wr.maxSeq {
		wr.maxSeq = e.SeqN
	}
	wr.count++

	if len(wr.block) >= wr.opts.BlockSize {
		if err := wr.flushBlock(); err != nil {
			wr.err = err
			return err
		}
	}
	return nil
}

// flushBlock compresses, checksums and writes the pending data block, then
// records its sparse index entry.
func (wr *Writer) flushBlock() error {
	if len(wr.block) == 0 {
		return nil
	}

	stored := make([]byte, 0, len(wr.block)+1+blockTrailerSize)
	stored = append(stored, byte(wr.opts.Codec.ID()))
	stored = wr.opts.Codec.Compress(stored, wr.block)
	stored = binary.LittleEndian.AppendUint64(stored, blockChecksum(stored))

	handle, err := wr.writeRaw(stored)
	if err != nil {
		return err
	}
	wr.index = appendIndexEntry(wr.index, indexEntry{
		firstKey: append([]byte(nil), wr.firstKey...),
		handle:   handle,
	})
	wr.block = wr.block[:0]
	return nil
}

// writeRaw writes stored bytes, folding them into the file checksum.
func (wr *Writer) writeRaw(stored []byte) (BlockHandle, error) {
	handle := BlockHandle{Offset: wr.offset, Size: uint64(len(stored))}
	if _, err := wr.w.Write(stored); err != nil {
		return handle, fmt.Errorf("failed to write table block: %w", err)
	}
	_, _ = wr.digest.Write(stored) // never fails
	wr.offset += handle.Size
	return handle, nil
}

// writeTrailerBlock stores an uncompressed auxiliary block with checksum.
func (wr *Writer) writeTrailerBlock(payload []byte) (BlockHandle, error) {
	stored := make([]byte, 0, len(payload)+blockTrailerSize)
	stored = append(stored, payload...)
	stored = binary.LittleEndian.AppendUint64(stored, blockChecksum(payload))
	return wr.writeRaw(stored)
}

// EstimatedSize returns the bytes written so far plus the pending block.
func (wr *Writer) EstimatedSize() uint64 {
	return wr.offset + uint64(len(wr.block))
}

// Count returns the entries added so far.
func (wr *Writer) Count() uint64 {
	return wr.count
}

// Finish writes the filter, index, meta block and footer, syncs the file
// and returns the table description. An empty writer aborts instead.
func (wr *Writer) Finish() (*TableMeta, error) {
	if wr.finished {
		return nil, dberrors.ErrClosed
	}
	wr.finished = true

	if wr.err != nil {
		wr.discard()
		return nil, wr.err
	}
	if wr.count == 0 {
		wr.discard()
		return nil, dberrors.Invariantf("finishing empty table %d", wr.fileNum)
	}

	if err := wr.flushBlock(); err != nil {
		wr.discard()
		return nil, err
	}

	filterPayload, err := wr.filter.Encode()
	if err != nil {
		wr.discard()
		return nil, fmt.Errorf("failed to encode membership filter: %w", err)
	}
	filterHandle, err := wr.writeTrailerBlock(filterPayload)
	if err != nil {
		wr.discard()
		return nil, err
	}

	indexHandle, err := wr.writeTrailerBlock(wr.index)
	if err != nil {
		wr.discard()
		return nil, err
	}

	meta := &TableMeta{
		FileNum:    wr.fileNum,
		Range:      wr.rng,
		EntryCount: wr.count,
		MinSeq:     wr.minSeq,
		MaxSeq:     wr.maxSeq,
		CreatedAt:  time.Now().Unix(),
	}
	metaHandle, err := wr.writeTrailerBlock(EncodeMeta(meta))
	if err != nil {
		wr.discard()
		return nil, err
	}

	footer := Footer{
		FilterHandle: filterHandle,
		IndexHandle:  indexHandle,
		MetaHandle:   metaHandle,
		FileChecksum: wr.digest.Sum64(),
		Version:      FormatVersion,
	}
	if _, err := wr.w.Write(footer.Encode()); err != nil {
		wr.discard()
		return nil, fmt.Errorf("failed to write table footer: %w", err)
	}

	if err := wr.w.Flush(); err != nil {
		wr.discard()
		return nil, fmt.Errorf("failed to flush table file: %w", err)
	}
	if err := wr.file.Sync(); err != nil {
		wr.discard()
		return nil, fmt.Errorf("failed to sync table file: %w", err)
	}
	if err := wr.file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close table file: %w", err)
	}

	meta.Size = int64(wr.offset) + FooterSize
	return meta, nil
}

// Abort discards the partially written table.
func (wr *Writer) Abort() {
	if wr.finished {
		return
	}
	wr.finished = true
	wr.discard()
}

func (wr *Writer) discard() {
	_ = wr.file.Close()
	_ = os.Remove(wr.path)
}
