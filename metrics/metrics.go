// Package metrics holds the Prometheus collectors exported by the buffer
// cache and the log.
//
// Collectors are always live; registering them is optional, so tests and
// embedded users pay nothing for an exporter they do not run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "bio"

type Cache struct {
	Hits     prometheus.Counter
	Misses   prometheus.Counter
	Steals   prometheus.Counter
	Discards prometheus.Counter
}

func NewCache() *Cache {
	return &Cache{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bcache", Name: "hits_total",
			Help: "Acquires that found the block already cached.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bcache", Name: "misses_total",
			Help: "Acquires that recycled a buffer for the block.",
		}),
		Steals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bcache", Name: "steals_total",
			Help: "Misses satisfied by relocating a buffer from another bucket.",
		}),
		Discards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bcache", Name: "dirty_discards_total",
			Help: "Recycled buffers that held modifications never flushed or logged.",
		}),
	}
}

func (m *Cache) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Hits, m.Misses, m.Steals, m.Discards} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

type Log struct {
	Commits         prometheus.Counter
	CommittedBlocks prometheus.Counter
	CommitSize      prometheus.Histogram
	AdmissionWaits  prometheus.Counter
	Outstanding     prometheus.Gauge
	RecoveredBlocks prometheus.Counter
}

func NewLog() *Log {
	return &Log{
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wal", Name: "commits_total",
			Help: "Transactions written to the on-disk log.",
		}),
		CommittedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wal", Name: "committed_blocks_total",
			Help: "Blocks installed by committed transactions.",
		}),
		CommitSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "wal", Name: "commit_blocks",
			Help:    "Blocks per committed transaction.",
			Buckets: prometheus.LinearBuckets(1, 5, 8),
		}),
		AdmissionWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wal", Name: "admission_waits_total",
			Help: "Times an operation slept in Begin.",
		}),
		Outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "wal", Name: "outstanding_ops",
			Help: "Operations currently between Begin and End.",
		}),
		RecoveredBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wal", Name: "recovered_blocks_total",
			Help: "Blocks replayed from the log at mount.",
		}),
	}
}

func (m *Log) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Commits, m.CommittedBlocks,
		m.CommitSize, m.AdmissionWaits, m.Outstanding, m.RecoveredBlocks} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Count reads the current value of a counter.
func Count(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}
