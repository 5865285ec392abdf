// Package metrics holds the Prometheus collectors exported by the engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "epochkv"

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	blockRequests  *prometheus.CounterVec
	bloomChecks    *prometheus.CounterVec
	remoteReadDur  prometheus.Histogram
	readKeys       *prometheus.CounterVec
	flushes        *prometheus.CounterVec
	flushBytes     prometheus.Counter
	flushDur       prometheus.Histogram
	compactions    *prometheus.CounterVec
	compactBytes   *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	throttled      prometheus.Counter
	commits        *prometheus.CounterVec
	committedEpoch prometheus.Gauge
	pinned         prometheus.Gauge
	gcDeleted      prometheus.Counter
	levelBytes     *prometheus.GaugeVec
	paused         prometheus.Gauge
}

// New creates the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		blockRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sstable",
			Name: "block_requests_total",
			Help: "Block and meta cache lookups by block type and result.",
		}, []string{"type", "result"}),
		bloomChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sstable",
			Name: "bloom_filter_checks_total",
			Help: "Bloom filter probes split into true negatives and might-positives.",
		}, []string{"result"}),
		remoteReadDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sstable",
			Name:    "remote_read_seconds",
			Help:    "Time spent fetching blocks from the object store.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		readKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "read",
			Name: "keys_total",
			Help: "Keys touched by reads, split into processed and skipped entries.",
		}, []string{"op", "kind"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush",
			Name: "total",
			Help: "Flushes by result.",
		}, []string{"result"}),
		flushBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush",
			Name: "bytes_total",
			Help: "Bytes written to level 0 by flushes.",
		}),
		flushDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "flush",
			Name:    "duration_seconds",
			Help:    "Flush latency including upload and commit.",
			Buckets: prometheus.DefBuckets,
		}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "compaction",
			Name: "total",
			Help: "Compaction tasks by group and result.",
		}, []string{"group", "result"}),
		compactBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "compaction",
			Name: "bytes_total",
			Help: "Bytes read and written by compaction.",
		}, []string{"group", "direction"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "compaction",
			Name: "queue_depth",
			Help: "Pending compaction tasks.",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "compaction",
			Name: "throttled_total",
			Help: "Compaction tasks dropped because the queue was full.",
		}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "manifest",
			Name: "commits_total",
			Help: "Version delta commits by reason and result.",
		}, []string{"reason", "result"}),
		committedEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "manifest",
			Name: "committed_epoch",
			Help: "Highest epoch recorded in the manifest.",
		}),
		pinned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "manifest",
			Name: "pinned_snapshots",
			Help: "Snapshots currently pinned by readers.",
		}),
		gcDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gc",
			Name: "deleted_tables_total",
			Help: "SSTable objects deleted by garbage collection.",
		}),
		levelBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "compaction",
			Name: "level_bytes",
			Help: "Bytes per compaction group and level.",
		}, []string{"group", "level"}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cluster",
			Name: "paused",
			Help: "1 while the cluster is paused.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.blockRequests, m.bloomChecks, m.remoteReadDur, m.readKeys,
		m.flushes, m.flushBytes, m.flushDur,
		m.compactions, m.compactBytes, m.queueDepth, m.throttled,
		m.commits, m.committedEpoch, m.pinned, m.gcDeleted, m.levelBytes, m.paused,
	}
}

// ReportRead folds per-read statistics into the collectors.
func (m *Metrics) ReportRead(op string, s *ReadStats) {
	if m == nil || s == nil {
		return
	}
	m.blockRequests.WithLabelValues("data", "hit").Add(float64(s.DataBlockTotal - s.DataBlockMiss))
	m.blockRequests.WithLabelValues("data", "miss").Add(float64(s.DataBlockMiss))
	m.blockRequests.WithLabelValues("meta", "hit").Add(float64(s.MetaTotal - s.MetaMiss))
	m.blockRequests.WithLabelValues("meta", "miss").Add(float64(s.MetaMiss))
	m.bloomChecks.WithLabelValues("true_negative").Add(float64(s.BloomTrueNegative))
	m.bloomChecks.WithLabelValues("might_positive").Add(float64(s.BloomMightPositive))
	m.readKeys.WithLabelValues(op, "processed").Add(float64(s.ProcessedKeys))
	m.readKeys.WithLabelValues(op, "skipped").Add(float64(s.SkippedKeys))
	if s.RemoteIO > 0 {
		m.remoteReadDur.Observe(s.RemoteIO.Seconds())
	}
}

// FlushDone records one flush attempt.
func (m *Metrics) FlushDone(err error, bytes uint64, d time.Duration) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.flushBytes.Add(float64(bytes))
		m.flushDur.Observe(d.Seconds())
	}
}

// CompactionDone records one compaction task.
func (m *Metrics) CompactionDone(group uint32, err error, read, written uint64) {
	if m == nil {
		return
	}
	g := strconv.FormatUint(uint64(group), 10)
	m.compactions.WithLabelValues(g, result(err)).Inc()
	m.compactBytes.WithLabelValues(g, "read").Add(float64(read))
	m.compactBytes.WithLabelValues(g, "write").Add(float64(written))
}

// SetQueueDepth publishes the compaction queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

// Throttled counts a compaction task rejected by backpressure.
func (m *Metrics) Throttled() {
	if m != nil {
		m.throttled.Inc()
	}
}

// Commit records a version delta commit.
func (m *Metrics) Commit(reason string, err error) {
	if m != nil {
		m.commits.WithLabelValues(reason, result(err)).Inc()
	}
}

// SetCommittedEpoch publishes the committed epoch.
func (m *Metrics) SetCommittedEpoch(e uint64) {
	if m != nil {
		m.committedEpoch.Set(float64(e))
	}
}

// AddPinned adjusts the pinned snapshot gauge.
func (m *Metrics) AddPinned(delta int) {
	if m != nil {
		m.pinned.Add(float64(delta))
	}
}

// GCDeleted counts reclaimed SSTables.
func (m *Metrics) GCDeleted(n int) {
	if m != nil {
		m.gcDeleted.Add(float64(n))
	}
}

// SetLevelBytes publishes the size of one level.
func (m *Metrics) SetLevelBytes(group uint32, level int, bytes uint64) {
	if m != nil {
		m.levelBytes.WithLabelValues(strconv.FormatUint(uint64(group), 10), strconv.Itoa(level)).Set(float64(bytes))
	}
}

// SetPaused publishes the cluster pause state.
func (m *Metrics) SetPaused(p bool) {
	if m == nil {
		return
	}
	if p {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
