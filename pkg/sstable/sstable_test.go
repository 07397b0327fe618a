package sstable

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"lsmkv/pkg/cache"
	"lsmkv/pkg/compress"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

func buildTableWithCodec(t *testing.T, dir string, entries []types.Entry, codecName string) {
	t.Helper()
	codec, err := compress.ByName(codecName)
	if err != nil {
		t.Fatalf("ByName(%s) failed: %v", codecName, err)
	}
	buildTable(t, dir, 1, entries, WriterOptions{BlockSize: 256, Codec: codec})
}

func buildTable(t *testing.T, dir string, fileNum uint64, entries []types.Entry, opts WriterOptions) *TableMeta {
	t.Helper()
	wr, err := NewWriter(dir, fileNum, opts)
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
	return meta
}

func seqEntries(n int) []types.Entry {
	entries := make([]types.Entry, 0, n)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%05d", i))
		entries = append(entries, types.NewPut(key, []byte(fmt.Sprintf("val%d", i)), uint64(i+1)))
	}
	return entries
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entries := seqEntries(500)
	meta := buildTable(t, dir, 1, entries, WriterOptions{BlockSize: 256})

	if meta.EntryCount != 500 {
		t.Fatalf("meta EntryCount = %d, want 500", meta.EntryCount)
	}
	if string(meta.Range.Min) != "key00000" || string(meta.Range.Max) != "key00499" {
		t.Fatalf("meta range = [%s, %s]", meta.Range.Min, meta.Range.Max)
	}
	if meta.MinSeq != 1 || meta.MaxSeq != 500 {
		t.Fatalf("meta seq span = [%d, %d]", meta.MinSeq, meta.MaxSeq)
	}

	r, err := Open(dir, 1, ReaderOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	for _, want := range entries {
		got, found, err := r.Get(want.Key)
		if err != nil {
			t.Fatalf("Get %s failed: %v", want.Key, err)
		}
		if !found {
			t.Fatalf("key %s not found", want.Key)
		}
		if !bytes.Equal(got.Value, want.Value) || got.SeqN != want.SeqN {
			t.Fatalf("key %s: got (%q, %d), want (%q, %d)",
				want.Key, got.Value, got.SeqN, want.Value, want.SeqN)
		}
	}
}

func TestGetAbsentKey(t *testing.T) {
	dir := t.TempDir()
	buildTable(t, dir, 1, seqEntries(100), WriterOptions{})

	r, err := Open(dir, 1, ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for _, key := range []string{"aaa", "key00050x", "zzz"} {
		if _, found, err := r.Get([]byte(key)); err != nil {
			t.Fatalf("Get %s failed: %v", key, err)
		} else if found {
			t.Fatalf("absent key %s reported found", key)
		}
	}
}

func TestTombstonePersists(t *testing.T) {
	dir := t.TempDir()
	entries := []types.Entry{
		types.NewPut([]byte("a"), []byte("1"), 1),
		types.NewTombstone([]byte("b"), 2),
	}
	buildTable(t, dir, 1, entries, WriterOptions{})

	r, err := Open(dir, 1, ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got, found, err := r.Get([]byte("b"))
	if err != nil || !found {
		t.Fatalf("tombstone lookup: found=%v err=%v", found, err)
	}
	if !got.Tombstone() {
		t.Fatal("entry lost its tombstone kind")
	}
}

func TestIteratorFullOrder(t *testing.T) {
	dir := t.TempDir()
	entries := seqEntries(300)
	buildTable(t, dir, 1, entries, WriterOptions{BlockSize: 128})

	r, err := Open(dir, 1, ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	it := r.Iter()
	i := 0
	for it.Next() {
		e := it.Entry()
		if !bytes.Equal(e.Key, entries[i].Key) || !bytes.Equal(e.Value, entries[i].Value) {
			t.Fatalf("position %d: got key %s, want %s", i, e.Key, entries[i].Key)
		}
		i++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator failed: %v", err)
	}
	if i != len(entries) {
		t.Fatalf("iterated %d entries, want %d", i, len(entries))
	}
}

func TestIterAtSeeksToStartingBlock(t *testing.T) {
	dir := t.TempDir()
	entries := seqEntries(300)
	buildTable(t, dir, 1, entries, WriterOptions{BlockSize: 128})

	r, err := Open(dir, 1, ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	start := []byte("key00250")
	it := r.IterAt(start)
	var got [][]byte
	for it.Next() {
		got = append(got, it.Entry().Key)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator failed: %v", err)
	}

	// the starting block may open below start, but every key from start
	// to the end of the table must be present in order
	if len(got) == 0 {
		t.Fatal("IterAt returned nothing")
	}
	tail := 0
	for tail < len(got) && bytes.Compare(got[tail], start) < 0 {
		tail++
	}
	for i, want := 250, tail; want < len(got); i, want = i+1, want+1 {
		if !bytes.Equal(got[want], entries[i].Key) {
			t.Fatalf("position %d: got key %s, want %s", want, got[want], entries[i].Key)
		}
	}
	if !bytes.Equal(got[len(got)-1], entries[len(entries)-1].Key) {
		t.Fatalf("last key = %s, want %s", got[len(got)-1], entries[len(entries)-1].Key)
	}
	// blocks before the starting block are never visited
	if len(got) >= len(entries) {
		t.Fatalf("IterAt read %d entries, expected earlier blocks to be skipped", len(got))
	}

	if head := r.IterAt(nil); !head.Next() || !bytes.Equal(head.Entry().Key, entries[0].Key) {
		t.Fatal("IterAt(nil) must start at the first entry")
	}
}

func TestAddRejectsKeyRegression(t *testing.T) {
	dir := t.TempDir()
	wr, err := NewWriter(dir, 1, WriterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer wr.Abort()

	if err := wr.Add(types.NewPut([]byte("b"), []byte("1"), 1)); err != nil {
		t.Fatal(err)
	}
	if err := wr.Add(types.NewPut([]byte("a"), []byte("2"), 2)); err == nil {
		t.Fatal("out-of-order Add accepted")
	}
	if err := wr.Add(types.NewPut([]byte("b"), []byte("3"), 3)); err == nil {
		t.Fatal("duplicate key Add accepted")
	}
}

func TestEmptyWriterFinishFails(t *testing.T) {
	dir := t.TempDir()
	wr, err := NewWriter(dir, 1, WriterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wr.Finish(); err == nil {
		t.Fatal("Finish on empty writer should fail")
	}
	if _, statErr := os.Stat(filepath.Join(dir, FileName(1))); !os.IsNotExist(statErr) {
		t.Fatal("partial file left behind")
	}
}

func TestAbortRemovesFile(t *testing.T) {
	dir := t.TempDir()
	wr, err := NewWriter(dir, 1, WriterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := wr.Add(types.NewPut([]byte("a"), []byte("1"), 1)); err != nil {
		t.Fatal(err)
	}
	wr.Abort()
	if _, statErr := os.Stat(filepath.Join(dir, FileName(1))); !os.IsNotExist(statErr) {
		t.Fatal("aborted file left behind")
	}
}

func TestBlockCorruptionDetected(t *testing.T) {
	dir := t.TempDir()
	buildTable(t, dir, 1, seqEntries(200), WriterOptions{BlockSize: 128})

	path := filepath.Join(dir, FileName(1))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// flip a byte in the first data block
	data[10] ^= 0xff
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := Open(dir, 1, ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	_, _, err = r.Get([]byte("key00000"))
	if !dberrors.IsCorruption(err) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestVerifyChecksumOnOpen(t *testing.T) {
	dir := t.TempDir()
	buildTable(t, dir, 1, seqEntries(200), WriterOptions{BlockSize: 128})

	path := filepath.Join(dir, FileName(1))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[10] ^= 0xff
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(dir, 1, ReaderOptions{VerifyChecksum: true}); !dberrors.IsCorruption(err) {
		t.Fatalf("expected corruption error on verified open, got %v", err)
	}
}

func TestTruncatedFileRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(1))
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, 1, ReaderOptions{}); !dberrors.IsCorruption(err) {
		t.Fatalf("expected corruption error for truncated file, got %v", err)
	}
}

func TestReadsThroughCache(t *testing.T) {
	dir := t.TempDir()
	entries := seqEntries(200)
	buildTable(t, dir, 1, entries, WriterOptions{BlockSize: 128})

	bc := cache.New(1 << 20)
	r, err := Open(dir, 1, ReaderOptions{Cache: bc})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < 2; i++ {
		if _, found, err := r.Get([]byte("key00000")); err != nil || !found {
			t.Fatalf("cached Get: found=%v err=%v", found, err)
		}
	}
	hits, _ := bc.Stats()
	if hits == 0 {
		t.Fatal("repeated Get never hit the cache")
	}
}

func TestCompressionCodecs(t *testing.T) {
	for _, name := range []string{"none", "snappy", "zstd"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			entries := seqEntries(100)
			buildTableWithCodec(t, dir, entries, name)

			r, err := Open(dir, 1, ReaderOptions{})
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()

			got, found, err := r.Get([]byte("key00042"))
			if err != nil || !found {
				t.Fatalf("Get: found=%v err=%v", found, err)
			}
			if string(got.Value) != "val42" {
				t.Fatalf("value = %q", got.Value)
			}
		})
	}
}
