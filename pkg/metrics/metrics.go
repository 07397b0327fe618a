// Package metrics exposes engine instrumentation as prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine records into. A nil *Metrics is
// valid and records nothing, so tests can skip registration.
type Metrics struct {
	Ops        *prometheus.CounterVec
	OpLatency  *prometheus.HistogramVec
	WriteBytes prometheus.Counter
	ReadBytes  prometheus.Counter

	Flushes         prometheus.Counter
	FlushBytes      prometheus.Counter
	Compactions     prometheus.Counter
	CompactionBytes prometheus.Counter
	CompactionFails prometheus.Gauge

	LevelTables *prometheus.GaugeVec
	LevelBytes  *prometheus.GaugeVec

	CacheHits   prometheus.CounterFunc
	CacheMisses prometheus.CounterFunc
}

// New builds and registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lsmkv",
			Name:      "ops_total",
			Help:      "Engine operations by kind and outcome.",
		}, []string{"op", "status"}),
		OpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lsmkv",
			Name:      "op_duration_seconds",
			Help:      "Engine operation latency by kind.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 2, 16),
		}, []string{"op"}),
		WriteBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lsmkv",
			Name:      "write_bytes_total",
			Help:      "Bytes accepted by write operations.",
		}),
		ReadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lsmkv",
			Name:      "read_bytes_total",
			Help:      "Value bytes returned by reads.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lsmkv",
			Name:      "flushes_total",
			Help:      "Memtable flushes completed.",
		}),
		FlushBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lsmkv",
			Name:      "flush_bytes_total",
			Help:      "Bytes written to level 0 tables by flushes.",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lsmkv",
			Name:      "compactions_total",
			Help:      "Compactions completed.",
		}),
		CompactionBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lsmkv",
			Name:      "compaction_bytes_total",
			Help:      "Bytes written to output tables by compactions.",
		}),
		CompactionFails: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lsmkv",
			Name:      "compaction_consecutive_failures",
			Help:      "Consecutive compaction failures; nonzero degrades health.",
		}),
		LevelTables: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lsmkv",
			Name:      "level_tables",
			Help:      "Live tables per level.",
		}, []string{"level"}),
		LevelBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lsmkv",
			Name:      "level_bytes",
			Help:      "Live table bytes per level.",
		}, []string{"level"}),
	}

	reg.MustRegister(
		m.Ops, m.OpLatency, m.WriteBytes, m.ReadBytes,
		m.Flushes, m.FlushBytes,
		m.Compactions, m.CompactionBytes, m.CompactionFails,
		m.LevelTables, m.LevelBytes,
	)
	return m
}

// RegisterCacheStats wires the block cache hit counters. Separate from New
// so an engine without a cache registers nothing for it.
func (m *Metrics) RegisterCacheStats(reg prometheus.Registerer, stats func() (hits, misses uint64)) {
	if m == nil {
		return
	}
	m.CacheHits = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "lsmkv",
		Name:      "block_cache_hits_total",
		Help:      "Block cache hits.",
	}, func() float64 {
		hits, _ := stats()
		return float64(hits)
	})
	m.CacheMisses = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "lsmkv",
		Name:      "block_cache_misses_total",
		Help:      "Block cache misses.",
	}, func() float64 {
		_, misses := stats()
		return float64(misses)
	})
	reg.MustRegister(m.CacheHits, m.CacheMisses)
}

// ObserveOp records one operation outcome.
func (m *Metrics) ObserveOp(op string, err error, seconds float64) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Ops.WithLabelValues(op, status).Inc()
	m.OpLatency.WithLabelValues(op).Observe(seconds)
}

// AddWriteBytes accumulates accepted write payload size.
func (m *Metrics) AddWriteBytes(n uint64) {
	if m == nil {
		return
	}
	m.WriteBytes.Add(float64(n))
}

// AddReadBytes accumulates returned value size.
func (m *Metrics) AddReadBytes(n int) {
	if m == nil {
		return
	}
	m.ReadBytes.Add(float64(n))
}

// ObserveFlush records one completed flush.
func (m *Metrics) ObserveFlush(bytes int64) {
	if m == nil {
		return
	}
	m.Flushes.Inc()
	m.FlushBytes.Add(float64(bytes))
}

// ObserveCompaction records one completed compaction.
func (m *Metrics) ObserveCompaction(bytes int64) {
	if m == nil {
		return
	}
	m.Compactions.Inc()
	m.CompactionBytes.Add(float64(bytes))
}

// SetCompactionFailures publishes the consecutive failure count.
func (m *Metrics) SetCompactionFailures(n int) {
	if m == nil {
		return
	}
	m.CompactionFails.Set(float64(n))
}

// SetLevel publishes one level's table count and size.
func (m *Metrics) SetLevel(level string, tables int, bytes int64) {
	if m == nil {
		return
	}
	m.LevelTables.WithLabelValues(level).Set(float64(tables))
	m.LevelBytes.WithLabelValues(level).Set(float64(bytes))
}
