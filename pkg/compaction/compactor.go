// Package compaction keeps the level invariants by merging tables
// downward in the background. One compactor goroutine serves an engine;
// flushes and applies nudge it through Trigger.
package compaction

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"lsmkv/pkg/clock"
	"lsmkv/pkg/compress"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/sstable"
)

// Options configures the compactor.
type Options struct {
	// Dir holds the table files.
	Dir string

	// L0Trigger is the level 0 table count that forces a compaction.
	L0Trigger int

	// BaseLevelSize is the level 1 size budget in bytes.
	BaseLevelSize int64

	// TableTargetSize caps each output table.
	TableTargetSize int64

	// BlockSize and FPRate are passed through to output table writers.
	BlockSize int
	FPRate    float64
	Codec     compress.Codec
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.L0Trigger <= 0 {
		opts.L0Trigger = 4
	}
	if opts.BaseLevelSize <= 0 {
		opts.BaseLevelSize = 64 << 20
	}
	if opts.TableTargetSize <= 0 {
		opts.TableTargetSize = 32 << 20
	}
	return opts
}

// Compactor runs leveled compactions in a single background goroutine.
type Compactor struct {
	opts     Options
	set      *manifest.Set
	fileNums *clock.FileNumGen
	mets     *metrics.Metrics

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	// failures counts consecutive run errors for health reporting; a
	// success resets it.
	failures atomic.Int32
}

// New builds a compactor. Call Start to begin serving triggers.
func New(opts Options, set *manifest.Set, fileNums *clock.FileNumGen, mets *metrics.Metrics) *Compactor {
	return &Compactor{
		opts:     opts.withDefaults(),
		set:      set,
		fileNums: fileNums,
		mets:     mets,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the background goroutine.
func (c *Compactor) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop waits for any in-flight compaction to finish and shuts down.
func (c *Compactor) Stop() {
	close(c.stop)
	c.wg.Wait()
}

// Trigger nudges the compactor. Coalesces; never blocks.
func (c *Compactor) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Failures returns the consecutive failure count for health checks.
func (c *Compactor) Failures() int {
	return int(c.failures.Load())
}

func (c *Compactor) run() {
	defer c.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-c.stop:
			return
		case <-c.trigger:
		}

		for {
			progressed, err := c.maybeCompact()
			if err != nil {
				n := c.failures.Add(1)
				c.mets.SetCompactionFailures(int(n))
				slog.Error("compaction failed", "error", err, "consecutive_failures", n)
				select {
				case <-c.stop:
					return
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			if c.failures.Swap(0) != 0 {
				c.mets.SetCompactionFailures(0)
			}
			backoff = time.Second
			if !progressed {
				break
			}
			select {
			case <-c.stop:
				return
			default:
			}
		}
	}
}

// maybeCompact runs at most one compaction. It reports whether work was
// done so the loop can drain a backlog before sleeping.
func (c *Compactor) maybeCompact() (bool, error) {
	version := c.set.Current()
	j := c.pick(version)
	version.Unref()
	if j == nil {
		return false, nil
	}

	start := time.Now()
	outputs, written, err := c.compact(j)
	if err != nil {
		c.set.UnmarkCompacting(j.fileNums()...)
		return false, err
	}

	edit := &manifest.Edit{}
	for _, meta := range outputs {
		edit.AddedTables = append(edit.AddedTables, manifest.AddedTable{Level: j.outputLevel, Meta: meta})
	}
	for _, in := range j.inputs {
		edit.RemovedTables = append(edit.RemovedTables, manifest.RemovedTable{
			Level:   in.level,
			FileNum: in.table.Meta.FileNum,
		})
	}
	if err := c.set.Apply(edit); err != nil {
		c.removeOutputs(outputs)
		c.set.UnmarkCompacting(j.fileNums()...)
		return false, err
	}

	c.mets.ObserveCompaction(written)
	slog.Info("compaction done",
		"source_level", j.sourceLevel,
		"output_level", j.outputLevel,
		"inputs", len(j.inputs),
		"outputs", len(outputs),
		"bytes", written,
		"elapsed", time.Since(start))
	return true, nil
}

// compact merges the inputs into fresh output tables. On error every
// partial output is removed; the input tables are untouched.
func (c *Compactor) compact(j *job) ([]*sstable.TableMeta, int64, error) {
	iters := make([]iterator.Iterator, len(j.inputs))
	for i, in := range j.inputs {
		iters[i] = in.table.Reader().Iter()
	}
	merged := iterator.NewMerge(iters...)
	defer merged.Close()

	// Spread the filter estimate over the expected output count.
	perTable := j.inputEntries()
	if n := uint64(j.inputBytes()/c.opts.TableTargetSize) + 1; n > 1 {
		perTable = perTable/n + 1
	}

	var (
		outputs []*sstable.TableMeta
		written int64
		wr      *sstable.Writer
	)
	fail := func(err error) ([]*sstable.TableMeta, int64, error) {
		if wr != nil {
			wr.Abort()
		}
		c.removeOutputs(outputs)
		return nil, 0, err
	}
	finish := func() error {
		if wr == nil || wr.Count() == 0 {
			if wr != nil {
				wr.Abort()
				wr = nil
			}
			return nil
		}
		meta, err := wr.Finish()
		wr = nil
		if err != nil {
			return err
		}
		outputs = append(outputs, meta)
		written += meta.Size
		return nil
	}

	for merged.Next() {
		e := merged.Entry()
		if j.bottommost && e.Tombstone() {
			continue
		}

		if wr == nil {
			var err error
			wr, err = sstable.NewWriter(c.opts.Dir, c.fileNums.Next(), sstable.WriterOptions{
				BlockSize:    c.opts.BlockSize,
				FPRate:       c.opts.FPRate,
				ExpectedKeys: int(perTable),
				Codec:        c.opts.Codec,
			})
			if err != nil {
				return fail(err)
			}
		}
		if err := wr.Add(e); err != nil {
			return fail(err)
		}
		if int64(wr.EstimatedSize()) >= c.opts.TableTargetSize {
			if err := finish(); err != nil {
				return fail(err)
			}
		}
	}
	if err := merged.Err(); err != nil {
		return fail(err)
	}
	if err := finish(); err != nil {
		return fail(err)
	}
	return outputs, written, nil
}

func (c *Compactor) removeOutputs(outputs []*sstable.TableMeta) {
	for _, meta := range outputs {
		path := filepath.Join(c.opts.Dir, sstable.FileName(meta.FileNum))
		if err := os.Remove(path); err != nil {
			slog.Warn("failed to remove compaction output", "path", path, "error", err)
		}
	}
}
