package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"lsmkv/pkg/clock"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/types"
)

func writeL0Table(t *testing.T, set *manifest.Set, dir string, fileNum uint64, entries ...types.Entry) {
	t.Helper()
	wr, err := sstable.NewWriter(dir, fileNum, sstable.WriterOptions{})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	for _, e := range entries {
		if err := wr.Add(e); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	meta, err := wr.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if err := set.Apply(&manifest.Edit{
		AddedTables: []manifest.AddedTable{{Level: 0, Meta: meta}},
	}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
}

func newTestCompactor(t *testing.T, dir string, opts Options) (*Compactor, *manifest.Set) {
	t.Helper()
	set, err := manifest.Recover(manifest.Options{Dir: dir})
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	t.Cleanup(func() { set.Close() })
	opts.Dir = dir
	return New(opts, set, clock.NewFileNumGen(), nil), set
}

func TestL0CompactionMergesToL1(t *testing.T) {
	dir := t.TempDir()
	c, set := newTestCompactor(t, dir, Options{L0Trigger: 4})

	// four overlapping L0 tables, each a full rewrite of the keyspace
	for gen := uint64(0); gen < 4; gen++ {
		entries := make([]types.Entry, 0, 10)
		for i := 0; i < 10; i++ {
			key := []byte(fmt.Sprintf("key%02d", i))
			val := []byte(fmt.Sprintf("gen%d", gen))
			entries = append(entries, types.NewPut(key, val, gen*10+uint64(i)+1))
		}
		writeL0Table(t, set, dir, gen+1, entries...)
	}

	progressed, err := c.maybeCompact()
	if err != nil {
		t.Fatalf("maybeCompact failed: %v", err)
	}
	if !progressed {
		t.Fatal("compaction did not run at the L0 trigger")
	}

	v := set.Current()
	defer v.Unref()
	if n := len(v.Level(0)); n != 0 {
		t.Fatalf("L0 still has %d tables after compaction", n)
	}
	if n := len(v.Level(1)); n == 0 {
		t.Fatal("no L1 outputs produced")
	}

	// exactly one surviving version per key, the newest
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key%02d", i))
		e, found, err := v.Get(key)
		if err != nil || !found {
			t.Fatalf("Get %s: found=%v err=%v", key, found, err)
		}
		if string(e.Value) != "gen3" {
			t.Fatalf("key %s resolved to %q, want the newest generation", key, e.Value)
		}
	}

	// input files are gone from disk
	for fileNum := uint64(1); fileNum <= 4; fileNum++ {
		path := filepath.Join(dir, sstable.FileName(fileNum))
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("input table %d not deleted", fileNum)
		}
	}
}

func TestBelowTriggerNoCompaction(t *testing.T) {
	dir := t.TempDir()
	c, set := newTestCompactor(t, dir, Options{L0Trigger: 4})

	writeL0Table(t, set, dir, 1, types.NewPut([]byte("a"), []byte("1"), 1))
	writeL0Table(t, set, dir, 2, types.NewPut([]byte("a"), []byte("2"), 2))

	progressed, err := c.maybeCompact()
	if err != nil {
		t.Fatalf("maybeCompact failed: %v", err)
	}
	if progressed {
		t.Fatal("compaction ran below the L0 trigger")
	}
}

func TestTombstonesDroppedAtBottommost(t *testing.T) {
	dir := t.TempDir()
	c, set := newTestCompactor(t, dir, Options{L0Trigger: 2})

	writeL0Table(t, set, dir, 1,
		types.NewPut([]byte("keep"), []byte("v"), 1),
		types.NewPut([]byte("kill"), []byte("v"), 2),
	)
	writeL0Table(t, set, dir, 2,
		types.NewTombstone([]byte("kill"), 3),
	)

	if _, err := c.maybeCompact(); err != nil {
		t.Fatalf("maybeCompact failed: %v", err)
	}

	v := set.Current()
	defer v.Unref()

	// nothing below L1 overlaps, so the tombstone and the shadowed value
	// are both gone
	if _, found, _ := v.Get([]byte("kill")); found {
		t.Fatal("tombstone survived bottommost compaction")
	}
	if _, found, err := v.Get([]byte("keep")); err != nil || !found {
		t.Fatalf("live key lost: found=%v err=%v", found, err)
	}

	var total uint64
	for _, tbl := range v.Level(1) {
		total += tbl.Meta.EntryCount
	}
	if total != 1 {
		t.Fatalf("bottommost output holds %d entries, want 1", total)
	}
}

func TestTombstonesKeptAboveDeeperData(t *testing.T) {
	dir := t.TempDir()
	c, set := newTestCompactor(t, dir, Options{L0Trigger: 2})

	// an older version of the key lives at L2
	wr, err := sstable.NewWriter(dir, 100, sstable.WriterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := wr.Add(types.NewPut([]byte("kill"), []byte("old"), 1)); err != nil {
		t.Fatal(err)
	}
	meta, err := wr.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if err := set.Apply(&manifest.Edit{
		AddedTables: []manifest.AddedTable{{Level: 2, Meta: meta}},
	}); err != nil {
		t.Fatal(err)
	}

	writeL0Table(t, set, dir, 1, types.NewTombstone([]byte("kill"), 5))
	writeL0Table(t, set, dir, 2, types.NewPut([]byte("other"), []byte("v"), 6))

	if _, err := c.maybeCompact(); err != nil {
		t.Fatalf("maybeCompact failed: %v", err)
	}

	v := set.Current()
	defer v.Unref()

	// the L1 output must still carry the tombstone so the L2 version
	// stays shadowed
	e, found, err := v.Get([]byte("kill"))
	if err != nil || !found {
		t.Fatalf("Get kill: found=%v err=%v", found, err)
	}
	if !e.Tombstone() {
		t.Fatalf("deleted key resurrected with value %q", e.Value)
	}
}

func TestLevelOverflowCompactsDown(t *testing.T) {
	dir := t.TempDir()
	// BaseLevelSize of one byte puts any L1 table over budget
	c, set := newTestCompactor(t, dir, Options{L0Trigger: 100, BaseLevelSize: 1})

	wr, err := sstable.NewWriter(dir, 1, sstable.WriterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := wr.Add(types.NewPut([]byte(fmt.Sprintf("k%02d", i)), []byte("v"), uint64(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	meta, err := wr.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if err := set.Apply(&manifest.Edit{
		AddedTables: []manifest.AddedTable{{Level: 1, Meta: meta}},
	}); err != nil {
		t.Fatal(err)
	}

	progressed, err := c.maybeCompact()
	if err != nil {
		t.Fatalf("maybeCompact failed: %v", err)
	}
	if !progressed {
		t.Fatal("oversized level was not compacted")
	}

	v := set.Current()
	defer v.Unref()
	if n := len(v.Level(1)); n != 0 {
		t.Fatalf("L1 still has %d tables", n)
	}
	if n := len(v.Level(2)); n == 0 {
		t.Fatal("no L2 outputs produced")
	}
	if _, found, err := v.Get([]byte("k05")); err != nil || !found {
		t.Fatalf("key lost moving down a level: found=%v err=%v", found, err)
	}
}

func TestOutputsNonOverlapping(t *testing.T) {
	dir := t.TempDir()
	// tiny target size forces several output tables
	c, set := newTestCompactor(t, dir, Options{L0Trigger: 2, TableTargetSize: 512, BlockSize: 128})

	for gen := uint64(0); gen < 2; gen++ {
		entries := make([]types.Entry, 0, 200)
		for i := 0; i < 200; i++ {
			key := []byte(fmt.Sprintf("key%04d", i))
			entries = append(entries, types.NewPut(key, []byte(fmt.Sprintf("g%d", gen)), gen*200+uint64(i)+1))
		}
		writeL0Table(t, set, dir, gen+1, entries...)
	}

	if _, err := c.maybeCompact(); err != nil {
		t.Fatalf("maybeCompact failed: %v", err)
	}

	v := set.Current()
	defer v.Unref()
	outputs := v.Level(1)
	if len(outputs) < 2 {
		t.Fatalf("expected multiple outputs under a 512-byte target, got %d", len(outputs))
	}
	for i := 1; i < len(outputs); i++ {
		prev, cur := outputs[i-1].Meta.Range, outputs[i].Meta.Range
		if prev.Overlaps(cur) {
			t.Fatalf("outputs %d and %d overlap: [%s,%s] vs [%s,%s]",
				i-1, i, prev.Min, prev.Max, cur.Min, cur.Max)
		}
	}
}
