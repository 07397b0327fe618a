// Package wal implements the write-ahead log. The log is a sequence of
// numbered segment files; the active segment receives appends, and a segment
// is sealed when the memtable it covers is frozen. Sealed segments are
// deleted once their memtable is durably flushed to a sorted table.
//
// Every append is one framed record (see pkg/codec) holding a whole write
// group, so a torn batch fails its checksum and is dropped as a unit.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"lsmkv/pkg/codec"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

const segmentSuffix = ".wal"

// Manager owns the WAL directory and the active segment.
type Manager struct {
	mu   sync.Mutex
	dir  string
	gen  func() uint64
	next *segment

	// segments sealed before the current process wrote anything, in
	// ascending order; replay material only
	recovered []uint64

	closed bool
}

type segment struct {
	num  uint64
	file *os.File
	w    *bufio.Writer
	size int64
}

// Open prepares the WAL directory, records any pre-existing segments for
// replay and starts a fresh active segment. gen supplies segment file
// numbers and must be monotonic.
func Open(dir string, gen func() uint64) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty WAL dir", dberrors.ErrInvalidArgument)
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	m := &Manager{dir: dir, gen: gen}
	if err := m.scanSegments(); err != nil {
		return nil, err
	}
	if err := m.openActive(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) scanSegments() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory: %w", err)
	}
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		num, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			slog.Warn("ignoring unrecognised file in WAL directory", "name", name)
			continue
		}
		m.recovered = append(m.recovered, num)
	}
	sort.Slice(m.recovered, func(i, j int) bool { return m.recovered[i] < m.recovered[j] })
	return nil
}

func (m *Manager) segmentPath(num uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%020d%s", num, segmentSuffix))
}

func (m *Manager) openActive() error {
	num := m.gen()
	file, err := os.OpenFile(m.segmentPath(num), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment: %w", err)
	}
	m.next = &segment{num: num, file: file, w: bufio.NewWriter(file)}
	return nil
}

// Append durably persists one write group before returning. All entries of
// the group share a single record so they commit or vanish together.
func (m *Manager) Append(entries ...types.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return dberrors.ErrClosed
	}

	var payload []byte
	for _, e := range entries {
		payload = codec.AppendEntry(payload, e)
	}
	if err := codec.WriteRecord(m.next.w, payload); err != nil {
		return fmt.Errorf("failed to write WAL record: %w", err)
	}
	if err := m.next.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := m.next.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	m.next.size += int64(len(payload)) + 12 // record header
	return nil
}

// Replay feeds every recoverable entry, in write order, to fn. A corrupt or
// truncated trailing record ends the log at the last verified-good record:
// the loss is bounded to writes the engine never acknowledged as flushed.
func (m *Manager) Replay(fn func(types.Entry) error) error {
	m.mu.Lock()
	segs := append([]uint64(nil), m.recovered...)
	m.mu.Unlock()

	for _, num := range segs {
		done, err := m.replaySegment(num, fn)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	return nil
}

// replaySegment returns done=true when a corrupt record ended the replay.
func (m *Manager) replaySegment(num uint64, fn func(types.Entry) error) (bool, error) {
	file, err := os.Open(m.segmentPath(num))
	if err != nil {
		return false, fmt.Errorf("failed to open WAL segment for replay: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL segment after replay", "error", cerr)
		}
	}()

	r := bufio.NewReader(file)
	for {
		payload, err := codec.ReadRecord(r)
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if dberrors.IsCorruption(err) {
			slog.Warn("WAL tail unreadable, truncating replay",
				"segment", num, "error", err)
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read WAL record: %w", err)
		}

		for len(payload) > 0 {
			entry, n, err := codec.DecodeEntry(payload)
			if err != nil {
				slog.Warn("WAL record group undecodable, truncating replay",
					"segment", num, "error", err)
				return true, nil
			}
			payload = payload[n:]
			if err := fn(entry); err != nil {
				return false, fmt.Errorf("WAL replay callback failed: %w", err)
			}
		}
	}
}

// Rotate seals the active segment and starts a new one. It returns the
// sealed segment number, which the caller ties to the frozen memtable the
// segment covers.
func (m *Manager) Rotate() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, dberrors.ErrClosed
	}

	sealed := m.next
	if err := sealed.w.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush WAL on rotate: %w", err)
	}
	if err := sealed.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync WAL on rotate: %w", err)
	}
	if err := sealed.file.Close(); err != nil {
		return 0, fmt.Errorf("failed to close sealed WAL segment: %w", err)
	}
	if err := m.openActive(); err != nil {
		return 0, err
	}
	return sealed.num, nil
}

// RemoveThrough deletes every sealed segment numbered <= num. Called once
// the memtable covered by num is durable in a sorted table; the checkpoint
// resets the log to exactly the unflushed suffix.
func (m *Manager) RemoveThrough(num uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.recovered[:0]
	for _, seg := range m.recovered {
		if seg > num {
			kept = append(kept, seg)
		}
	}
	m.recovered = kept

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory: %w", err)
	}
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seg, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil || seg > num || seg == m.next.num {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			return fmt.Errorf("failed to remove WAL segment %d: %w", seg, err)
		}
	}
	return nil
}

// ActiveSegment returns the number of the segment currently receiving
// appends.
func (m *Manager) ActiveSegment() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next.num
}

// Size returns the byte size of the active segment.
func (m *Manager) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next.size
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if err := m.next.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL on close: %w", err)
	}
	if err := m.next.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL on close: %w", err)
	}
	return m.next.file.Close()
}
