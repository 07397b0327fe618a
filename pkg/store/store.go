// Package store assembles the storage engine: write-ahead log, memtable,
// sorted tables, version set and background flush and compaction. It is the
// only package embedders need.
package store

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"lsmkv/pkg/batch"
	"lsmkv/pkg/cache"
	"lsmkv/pkg/clock"
	"lsmkv/pkg/compaction"
	"lsmkv/pkg/compress"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/types"
	"lsmkv/pkg/wal"
)

const (
	maxKeySize   = 64 << 10
	maxValueSize = 64 << 20
)

// Store is the storage engine facade. All methods are safe for concurrent
// use; writes are serialised internally, reads never block writes.
type Store struct {
	opts     Options
	seq      *clock.AtomicClock
	fileNums *clock.FileNumGen

	mt       *memtable.Memtable
	wal      *wal.Manager
	versions *manifest.Set
	cache    *cache.BlockCache
	compact  *compaction.Compactor
	mets     *metrics.Metrics

	// writeMu serialises the WAL append, memtable apply and rotation of
	// every write so sequence order equals log order.
	writeMu sync.Mutex

	flushChan chan flushTask
	stop      chan struct{}
	wg        sync.WaitGroup

	flushFailures atomic.Int32
	closed        atomic.Bool
}

// Open recovers the engine state from dir and starts the background
// goroutines. The directory is created if missing.
func Open(opts Options) (*Store, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("%w: data dir required", err)
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	codec, err := compress.ByName(opts.Compression)
	if err != nil {
		return nil, err
	}

	blockCache := cache.New(opts.BlockCacheSize)
	versions, err := manifest.Recover(manifest.Options{
		Dir:             opts.Dir,
		Cache:           blockCache,
		VerifyChecksums: opts.VerifyChecksums,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		opts:      opts,
		seq:       clock.NewAtomic(versions.LastSeq()),
		fileNums:  clock.NewFileNumGen(),
		mt:        memtable.New(),
		versions:  versions,
		cache:     blockCache,
		mets:      opts.Metrics,
		flushChan: make(chan flushTask, opts.MaxFrozen),
		stop:      make(chan struct{}),
	}
	journal, err := wal.Open(opts.Dir, s.fileNums.Next)
	if err != nil {
		versions.Close()
		return nil, err
	}
	s.wal = journal

	// Segments at or below the checkpoint are fully covered by tables.
	if err := journal.RemoveThrough(versions.WALCheckpoint()); err != nil {
		s.closeQuietly()
		return nil, err
	}
	if err := journal.Replay(func(e types.Entry) error {
		s.seq.Observe(e.SeqN)
		s.mt.Put(e)
		return nil
	}); err != nil {
		s.closeQuietly()
		return nil, err
	}

	s.compact = compaction.New(compaction.Options{
		Dir:             opts.Dir,
		L0Trigger:       opts.L0Trigger,
		BaseLevelSize:   opts.BaseLevelSize,
		TableTargetSize: opts.TableTargetSize,
		BlockSize:       opts.BlockSize,
		FPRate:          opts.BloomFPRate,
		Codec:           codec,
	}, versions, s.fileNums, opts.Metrics)

	s.wg.Add(1)
	go s.flusher(codec)
	s.compact.Start()

	s.writeMu.Lock()
	s.maybeRotateLocked()
	s.writeMu.Unlock()
	s.compact.Trigger()
	s.publishLevelMetrics()

	slog.Info("engine opened",
		"dir", opts.Dir,
		"last_seq", s.seq.Val(),
		"wal_segment", journal.ActiveSegment())
	return s, nil
}

func (s *Store) closeQuietly() {
	if s.wal != nil {
		_ = s.wal.Close()
	}
	_ = s.versions.Close()
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}
	if len(key) > maxKeySize {
		return fmt.Errorf("%w: key of %d bytes exceeds limit", dberrors.ErrInvalidArgument, len(key))
	}
	return nil
}

// Put writes a key-value pair. It returns once the write is durable in the
// log and visible to readers.
func (s *Store) Put(key, value []byte) error {
	start := time.Now()
	err := s.put(key, value)
	s.mets.ObserveOp("put", err, time.Since(start).Seconds())
	return err
}

func (s *Store) put(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if len(value) > maxValueSize {
		return fmt.Errorf("%w: value of %d bytes exceeds limit", dberrors.ErrInvalidArgument, len(value))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	e := types.NewPut(cloneBytes(key), cloneBytes(value), s.seq.Next())
	if err := s.wal.Append(e); err != nil {
		return err
	}
	s.mt.Put(e)
	s.mets.AddWriteBytes(e.Size())
	s.maybeRotateLocked()
	return nil
}

// Delete writes a tombstone for key. Deleting an absent key succeeds.
func (s *Store) Delete(key []byte) error {
	start := time.Now()
	err := s.delete(key)
	s.mets.ObserveOp("delete", err, time.Since(start).Seconds())
	return err
}

func (s *Store) delete(key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	e := types.NewTombstone(cloneBytes(key), s.seq.Next())
	if err := s.wal.Append(e); err != nil {
		return err
	}
	s.mt.Put(e)
	s.mets.AddWriteBytes(e.Size())
	s.maybeRotateLocked()
	return nil
}

// Apply commits every mutation in the batch atomically: after a crash
// either all of them or none of them survive. An empty batch is a no-op.
func (s *Store) Apply(b *batch.WriteBatch) error {
	start := time.Now()
	err := s.apply(b)
	s.mets.ObserveOp("batch", err, time.Since(start).Seconds())
	return err
}

func (s *Store) apply(b *batch.WriteBatch) error {
	ops := b.Ops()
	if len(ops) == 0 {
		return nil
	}
	for _, e := range ops {
		if err := validateKey(e.Key); err != nil {
			return err
		}
		if len(e.Value) > maxValueSize {
			return fmt.Errorf("%w: value of %d bytes exceeds limit", dberrors.ErrInvalidArgument, len(e.Value))
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	// Consecutive sequence numbers in application order keep later ops in
	// the batch authoritative over earlier ones for the same key.
	first := s.seq.Reserve(uint64(len(ops)))
	entries := make([]types.Entry, len(ops))
	for i, e := range ops {
		entries[i] = types.Entry{
			Key:   cloneBytes(e.Key),
			Value: cloneBytes(e.Value),
			SeqN:  first + uint64(i),
			Kind:  e.Kind,
		}
	}

	if err := s.wal.Append(entries...); err != nil {
		return err
	}
	for _, e := range entries {
		s.mt.Put(e)
	}
	s.mets.AddWriteBytes(b.Size())
	s.maybeRotateLocked()
	return nil
}

// Get returns the current value for key. ok is false when the key was
// never written or its newest version is a tombstone.
func (s *Store) Get(key []byte) (value []byte, ok bool, err error) {
	start := time.Now()
	value, ok, err = s.get(key)
	s.mets.ObserveOp("get", err, time.Since(start).Seconds())
	if ok {
		s.mets.AddReadBytes(len(value))
	}
	return value, ok, err
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	if s.closed.Load() {
		return nil, false, dberrors.ErrClosed
	}

	if e, found := s.mt.Get(key); found {
		if e.Tombstone() {
			return nil, false, nil
		}
		return cloneBytes(e.Value), true, nil
	}

	version := s.versions.Current()
	defer version.Unref()

	e, found, err := version.Get(key)
	if err != nil || !found || e.Tombstone() {
		return nil, false, err
	}
	return cloneBytes(e.Value), true, nil
}

// Has reports whether key currently has a visible value.
func (s *Store) Has(key []byte) (bool, error) {
	_, ok, err := s.get(key)
	return ok, err
}

// Flush forces everything in memory down to level 0 tables and blocks
// until done.
func (s *Store) Flush() error {
	start := time.Now()
	err := s.flush()
	s.mets.ObserveOp("flush", err, time.Since(start).Seconds())
	return err
}

func (s *Store) flush() error {
	s.writeMu.Lock()
	if s.closed.Load() {
		s.writeMu.Unlock()
		return dberrors.ErrClosed
	}

	done := make(chan error, 1)
	switch {
	case s.mt.ApproxSize() > 0:
		if err := s.rotateLocked(done); err != nil {
			s.writeMu.Unlock()
			return err
		}
	case s.mt.FrozenCount() > 0:
		// Barrier: acknowledged after every queued table is on disk.
		s.flushChan <- flushTask{done: done}
	default:
		s.writeMu.Unlock()
		return nil
	}
	s.writeMu.Unlock()

	return <-done
}

// maybeRotateLocked freezes the active memtable once it crosses the size
// threshold. Blocks when the flush queue is full, which is the engine's
// write backpressure.
func (s *Store) maybeRotateLocked() {
	if s.mt.ApproxSize() < s.opts.MemtableSize {
		return
	}
	if err := s.rotateLocked(nil); err != nil {
		slog.Error("memtable rotation failed, retrying on next write", "error", err)
	}
}

func (s *Store) rotateLocked(done chan error) error {
	sealed, err := s.wal.Rotate()
	if err != nil {
		return err
	}
	frozen := s.mt.Rotate(sealed)
	s.flushChan <- flushTask{frozen: frozen, done: done}
	return nil
}

// SizeOfDisk returns the total size in bytes of the engine's files.
func (s *Store) SizeOfDisk() (int64, error) {
	if s.closed.Load() {
		return 0, dberrors.ErrClosed
	}
	var total int64
	err := filepath.WalkDir(s.opts.Dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure data dir: %w", err)
	}
	return total, nil
}

// Len returns the number of live keys. It walks the whole key space; cost
// is proportional to store size.
func (s *Store) Len() (uint64, error) {
	it, err := s.Scan(nil, nil)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var n uint64
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// IsEmpty reports whether the store holds no live keys.
func (s *Store) IsEmpty() (bool, error) {
	it, err := s.Scan(nil, nil)
	if err != nil {
		return false, err
	}
	defer it.Close()

	if it.Next() {
		return false, it.Err()
	}
	return true, it.Err()
}

// CacheStats returns the block cache hit and miss counters.
func (s *Store) CacheStats() (hits, misses uint64) {
	return s.cache.Stats()
}

// Health describes the engine's background state.
type Health struct {
	Healthy            bool       `json:"healthy"`
	LastSeq            types.SeqN `json:"last_seq"`
	FrozenMemtables    int        `json:"frozen_memtables"`
	FlushFailures      int        `json:"flush_failures"`
	CompactionFailures int        `json:"compaction_failures"`
	DiskBytes          int64      `json:"disk_bytes"`
}

// Health reports whether the background machinery is keeping up.
func (s *Store) Health() Health {
	if s.closed.Load() {
		return Health{}
	}
	s.publishLevelMetrics()
	h := Health{
		LastSeq:            s.seq.Val(),
		FrozenMemtables:    s.mt.FrozenCount(),
		FlushFailures:      int(s.flushFailures.Load()),
		CompactionFailures: s.compact.Failures(),
	}
	if size, err := s.SizeOfDisk(); err == nil {
		h.DiskBytes = size
	}
	h.Healthy = !s.closed.Load() && h.FlushFailures == 0 && h.CompactionFailures == 0
	return h
}

// Close stops the background goroutines and releases every file handle.
// Unflushed memtable contents survive in the log and are recovered on the
// next Open.
func (s *Store) Close() error {
	s.writeMu.Lock()
	if s.closed.Swap(true) {
		s.writeMu.Unlock()
		return nil
	}
	close(s.flushChan)
	s.writeMu.Unlock()

	// stop aborts any flush retry loop; tasks already queued are still
	// attempted once before the flusher exits.
	close(s.stop)
	s.wg.Wait()
	s.compact.Stop()

	err := s.wal.Close()
	if verr := s.versions.Close(); err == nil {
		err = verr
	}
	slog.Info("engine closed", "dir", s.opts.Dir)
	return err
}

func (s *Store) publishLevelMetrics() {
	if s.mets == nil {
		return
	}
	version := s.versions.Current()
	defer version.Unref()
	for level := 0; level < manifest.MaxLevels; level++ {
		s.mets.SetLevel(fmt.Sprintf("%d", level), len(version.Level(level)), version.LevelSize(level))
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
