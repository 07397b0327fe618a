// Package manifest tracks the set of live tables across restarts. Every
// flush and compaction appends one Edit record to the MANIFEST file; the
// in-memory Version only advances after the record is durable, so a crash
// at any point recovers to the last committed layout.
package manifest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zhangyunhao116/skipset"

	"lsmkv/pkg/cache"
	"lsmkv/pkg/codec"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/types"
)

const (
	manifestName = "MANIFEST"
	manifestTmp  = "MANIFEST.tmp"
)

// Options configures a version set.
type Options struct {
	// Dir holds table files and the MANIFEST.
	Dir string

	// Cache is the shared block cache handed to every opened table.
	Cache *cache.BlockCache

	// VerifyChecksums re-hashes each table file on open. Slow; meant for
	// recovery after unclean shutdown and for tests.
	VerifyChecksums bool
}

// Set owns the current Version and the manifest log. All transitions go
// through Apply, which makes the edit durable before exposing it.
type Set struct {
	opts Options

	mu      sync.Mutex
	file    *os.File
	current *Version
	tables  map[uint64]*Table

	lastSeq       types.SeqN
	walCheckpoint uint64

	// compacting tracks file numbers claimed by a running compaction so
	// the picker never selects a table twice.
	compacting *skipset.Uint64Set

	closed bool
}

// Recover opens the manifest, replays its edits, opens every live table
// and removes table files no committed version references.
func Recover(opts Options) (*Set, error) {
	s := &Set{
		opts:       opts,
		tables:     make(map[uint64]*Table),
		compacting: skipset.NewUint64(),
	}

	live, err := s.replayManifest()
	if err != nil {
		return nil, err
	}

	version := newVersion()
	for fileNum, at := range live {
		reader, err := sstable.Open(opts.Dir, fileNum, sstable.ReaderOptions{
			Cache:          opts.Cache,
			VerifyChecksum: opts.VerifyChecksums,
		})
		if err != nil {
			s.closeTables()
			return nil, fmt.Errorf("failed to open table %d: %w", fileNum, err)
		}
		t := newTable(opts.Dir, at.Meta, reader)
		t.ref()
		s.tables[fileNum] = t
		version.levels[at.Level] = append(version.levels[at.Level], t)
	}
	sortVersionLevels(version)
	// One reference per version membership, on top of the map's.
	for _, level := range version.levels {
		for _, t := range level {
			t.ref()
		}
	}
	s.current = version.Ref()

	if err := s.removeOrphans(); err != nil {
		s.Close()
		return nil, err
	}

	// Rewrite the log as a single snapshot edit so it does not grow
	// without bound across restarts.
	if err := s.rewriteManifest(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// replayManifest folds all edits into the live table map. A torn final
// record is tolerated; it belongs to an edit that never committed.
func (s *Set) replayManifest() (map[uint64]AddedTable, error) {
	live := make(map[uint64]AddedTable)

	file, err := os.Open(filepath.Join(s.opts.Dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return live, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	for {
		payload, err := codec.ReadRecord(file)
		if errors.Is(err, io.EOF) {
			return live, nil
		}
		if err != nil {
			if dberrors.IsCorruption(err) {
				slog.Warn("manifest has torn tail record, ignoring", "error", err)
				return live, nil
			}
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}

		edit, err := DecodeEdit(payload)
		if err != nil {
			return nil, err
		}
		if edit.LastSeq > s.lastSeq {
			s.lastSeq = edit.LastSeq
		}
		if edit.WALCheckpoint > s.walCheckpoint {
			s.walCheckpoint = edit.WALCheckpoint
		}
		for _, rm := range edit.RemovedTables {
			delete(live, rm.FileNum)
		}
		for _, add := range edit.AddedTables {
			live[add.Meta.FileNum] = add
		}
	}
}

// removeOrphans deletes table files the committed layout does not
// reference, the residue of crashes between table write and manifest
// commit.
func (s *Set) removeOrphans() error {
	names, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return fmt.Errorf("failed to list data dir: %w", err)
	}
	for _, entry := range names {
		name := entry.Name()
		if !strings.HasSuffix(name, ".sst") {
			continue
		}
		var fileNum uint64
		if _, err := fmt.Sscanf(name, "%d.sst", &fileNum); err != nil {
			continue
		}
		if _, ok := s.tables[fileNum]; ok {
			continue
		}
		path := filepath.Join(s.opts.Dir, name)
		slog.Info("removing orphaned table file", "path", path)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove orphaned table: %w", err)
		}
	}
	return nil
}

// rewriteManifest replaces the log with one snapshot edit of the current
// version, installed by atomic rename.
func (s *Set) rewriteManifest() error {
	edit := &Edit{LastSeq: s.lastSeq, WALCheckpoint: s.walCheckpoint}
	for level := 0; level < MaxLevels; level++ {
		for _, t := range s.current.levels[level] {
			edit.AddedTables = append(edit.AddedTables, AddedTable{Level: level, Meta: t.Meta})
		}
	}

	tmpPath := filepath.Join(s.opts.Dir, manifestTmp)
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	if err := codec.WriteRecord(tmp, edit.Encode()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write manifest snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close manifest: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.opts.Dir, manifestName)); err != nil {
		return fmt.Errorf("failed to install manifest: %w", err)
	}
	if err := syncDir(s.opts.Dir); err != nil {
		return err
	}

	file, err := os.OpenFile(filepath.Join(s.opts.Dir, manifestName), os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to reopen manifest: %w", err)
	}
	s.file = file
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open data dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync data dir: %w", err)
	}
	return nil
}

// Apply makes edit durable and installs the successor version. Tables
// added by the edit are opened here; tables removed are deleted from disk
// once the last reader releases them.
func (s *Set) Apply(edit *Edit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dberrors.ErrClosed
	}

	opened := make([]*Table, 0, len(edit.AddedTables))
	for _, add := range edit.AddedTables {
		reader, err := sstable.Open(s.opts.Dir, add.Meta.FileNum, sstable.ReaderOptions{Cache: s.opts.Cache})
		if err != nil {
			for _, t := range opened {
				t.unref()
			}
			return fmt.Errorf("failed to open added table %d: %w", add.Meta.FileNum, err)
		}
		t := newTable(s.opts.Dir, add.Meta, reader)
		t.ref()
		opened = append(opened, t)
		s.tables[add.Meta.FileNum] = t
	}

	rollback := func() {
		for _, t := range opened {
			delete(s.tables, t.Meta.FileNum)
			t.unref()
		}
	}

	next, err := s.current.apply(edit, s.tables)
	if err != nil {
		rollback()
		return err
	}

	if err := codec.WriteRecord(s.file, edit.Encode()); err != nil {
		next.Unref()
		rollback()
		return fmt.Errorf("failed to append manifest edit: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		next.Unref()
		rollback()
		return fmt.Errorf("failed to sync manifest: %w", err)
	}

	if edit.LastSeq > s.lastSeq {
		s.lastSeq = edit.LastSeq
	}
	if edit.WALCheckpoint > s.walCheckpoint {
		s.walCheckpoint = edit.WALCheckpoint
	}
	for _, rm := range edit.RemovedTables {
		if t, ok := s.tables[rm.FileNum]; ok {
			t.markObsolete()
			delete(s.tables, rm.FileNum)
			t.unref()
		}
		s.compacting.Remove(rm.FileNum)
	}

	prev := s.current
	s.current = next
	prev.Unref()
	return nil
}

// Current returns the live version with a reference the caller must
// release via Unref.
func (s *Set) Current() *Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Ref()
}

// LastSeq returns the committed sequence floor.
func (s *Set) LastSeq() types.SeqN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// WALCheckpoint returns the newest log segment fully covered by tables.
func (s *Set) WALCheckpoint() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walCheckpoint
}

// MarkCompacting claims tables for a compaction. It fails if any table is
// already claimed.
func (s *Set) MarkCompacting(fileNums ...uint64) bool {
	for i, num := range fileNums {
		if !s.compacting.Add(num) {
			for _, claimed := range fileNums[:i] {
				s.compacting.Remove(claimed)
			}
			return false
		}
	}
	return true
}

// UnmarkCompacting releases a failed compaction's claims.
func (s *Set) UnmarkCompacting(fileNums ...uint64) {
	for _, num := range fileNums {
		s.compacting.Remove(num)
	}
}

// IsCompacting reports whether the table is claimed by a compaction.
func (s *Set) IsCompacting(fileNum uint64) bool {
	return s.compacting.Contains(fileNum)
}

// Close releases the current version and the manifest file.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.current != nil {
		s.current.Unref()
		s.current = nil
	}
	s.closeTables()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *Set) closeTables() {
	for num, t := range s.tables {
		delete(s.tables, num)
		t.unref()
	}
}

func sortVersionLevels(v *Version) {
	// L0 recency order is file number order, newest first.
	sortTablesByFileNumDesc(v.levels[0])
	for level := 1; level < MaxLevels; level++ {
		sortTablesByMinKey(v.levels[level])
	}
}
