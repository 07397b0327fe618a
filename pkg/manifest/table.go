package manifest

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"lsmkv/pkg/sstable"
)

// Table is one on-disk sorted table tracked by the version set. Readers
// hold it alive through version references; when the last version drops it
// and compaction has obsoleted it, the file is closed and removed.
type Table struct {
	Meta   *sstable.TableMeta
	reader *sstable.Reader
	dir    string

	refs     atomic.Int32
	obsolete atomic.Bool
}

func newTable(dir string, meta *sstable.TableMeta, reader *sstable.Reader) *Table {
	return &Table{Meta: meta, reader: reader, dir: dir}
}

// Reader exposes the underlying table file. Valid only while the caller
// holds a reference through a version.
func (t *Table) Reader() *sstable.Reader {
	return t.reader
}

func (t *Table) ref() {
	t.refs.Add(1)
}

func (t *Table) unref() {
	n := t.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("lsmkv: table reference count below zero")
	}

	if err := t.reader.Close(); err != nil {
		slog.Warn("failed to close table", "file_num", t.Meta.FileNum, "error", err)
	}
	if t.obsolete.Load() {
		path := filepath.Join(t.dir, sstable.FileName(t.Meta.FileNum))
		if err := os.Remove(path); err != nil {
			slog.Warn("failed to remove obsolete table", "path", path, "error", err)
		}
	}
}

// markObsolete schedules file deletion once the last reference drops.
func (t *Table) markObsolete() {
	t.obsolete.Store(true)
}
