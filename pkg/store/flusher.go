package store

import (
	"log/slog"
	"time"

	"lsmkv/pkg/compress"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/sstable"
)

// flushTask carries one frozen memtable to the flusher. A task with a nil
// frozen table is a barrier: it is acknowledged once everything queued
// before it is on disk.
type flushTask struct {
	frozen *memtable.Frozen
	done   chan error
}

// flusher drains the flush queue in order. Frozen tables must reach disk
// before their log segments can be dropped, so a failed flush is retried
// until it succeeds or the engine shuts down.
func (s *Store) flusher(codec compress.Codec) {
	defer s.wg.Done()

	for task := range s.flushChan {
		var err error
		if task.frozen != nil {
			err = s.flushWithRetry(task.frozen, codec)
		}
		if task.done != nil {
			task.done <- err
		}
	}
}

func (s *Store) flushWithRetry(frozen *memtable.Frozen, codec compress.Codec) error {
	backoff := time.Second
	for {
		err := s.flushFrozen(frozen, codec)
		if err == nil {
			if s.flushFailures.Swap(0) != 0 {
				slog.Info("flush recovered")
			}
			return nil
		}

		n := s.flushFailures.Add(1)
		slog.Error("flush failed, will retry", "error", err, "consecutive_failures", n)
		select {
		case <-s.stop:
			return err
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// flushFrozen writes one frozen memtable as a level 0 table, commits it to
// the manifest and releases the log segments it covers.
func (s *Store) flushFrozen(frozen *memtable.Frozen, codec compress.Codec) error {
	start := time.Now()
	entries := frozen.Sorted()

	if len(entries) == 0 {
		if err := s.wal.RemoveThrough(frozen.WALSegment); err != nil {
			return err
		}
		s.mt.Retire(frozen)
		return nil
	}

	wr, err := sstable.NewWriter(s.opts.Dir, s.fileNums.Next(), sstable.WriterOptions{
		BlockSize:    s.opts.BlockSize,
		FPRate:       s.opts.BloomFPRate,
		ExpectedKeys: len(entries),
		Codec:        codec,
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := wr.Add(e); err != nil {
			wr.Abort()
			return err
		}
	}
	meta, err := wr.Finish()
	if err != nil {
		return err
	}

	err = s.versions.Apply(&manifest.Edit{
		LastSeq:       meta.MaxSeq,
		WALCheckpoint: frozen.WALSegment,
		AddedTables:   []manifest.AddedTable{{Level: 0, Meta: meta}},
	})
	if err != nil {
		// The orphaned table file is collected on the next open.
		return err
	}

	if err := s.wal.RemoveThrough(frozen.WALSegment); err != nil {
		// The table is committed; stale segments only cost replay time.
		slog.Warn("failed to drop flushed WAL segments", "error", err)
	}
	s.mt.Retire(frozen)

	s.mets.ObserveFlush(meta.Size)
	s.publishLevelMetrics()
	s.compact.Trigger()

	slog.Info("memtable flushed",
		"table", meta.FileNum,
		"entries", meta.EntryCount,
		"bytes", meta.Size,
		"elapsed", time.Since(start))
	return nil
}
