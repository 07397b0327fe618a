package store

import (
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/metrics"
)

// Options configures an engine instance. The zero value of every field
// except Dir falls back to a sensible default.
type Options struct {
	// Dir is the data directory. Created if missing.
	Dir string

	// MemtableSize is the byte threshold that freezes the active memtable.
	MemtableSize uint64

	// MaxFrozen bounds the flush queue; writers that would exceed it block
	// until the flusher catches up.
	MaxFrozen int

	// BlockSize is the target uncompressed data block size for tables.
	BlockSize int

	// BlockCacheSize is the shared block cache capacity in bytes.
	BlockCacheSize uint64

	// BloomFPRate is the table membership filter false positive rate.
	BloomFPRate float64

	// Compression names the data block codec: none, snappy or zstd.
	Compression string

	// L0Trigger is the level 0 table count that forces a compaction.
	L0Trigger int

	// BaseLevelSize is the level 1 size budget; each deeper level gets
	// ten times its parent.
	BaseLevelSize int64

	// TableTargetSize caps each compaction output table.
	TableTargetSize int64

	// VerifyChecksums re-hashes every table file on open.
	VerifyChecksums bool

	// Metrics receives engine instrumentation. Nil disables recording.
	Metrics *metrics.Metrics
}

func (o *Options) withDefaults() (Options, error) {
	opts := *o
	if opts.Dir == "" {
		return opts, dberrors.ErrInvalidArgument
	}
	if opts.MemtableSize == 0 {
		opts.MemtableSize = 4 << 20
	}
	if opts.MaxFrozen <= 0 {
		opts.MaxFrozen = 2
	}
	if opts.BlockCacheSize == 0 {
		opts.BlockCacheSize = 32 << 20
	}
	if opts.BloomFPRate == 0 {
		opts.BloomFPRate = 0.01
	}
	if opts.L0Trigger <= 0 {
		opts.L0Trigger = 4
	}
	if opts.BaseLevelSize <= 0 {
		opts.BaseLevelSize = 64 << 20
	}
	if opts.TableTargetSize <= 0 {
		opts.TableTargetSize = 32 << 20
	}
	return opts, nil
}
