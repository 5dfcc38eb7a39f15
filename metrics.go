package rsm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LatencyBuckets defines the apply-latency histogram buckets in
// nanoseconds, from 10us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 7

// Metrics tracks operational statistics for a driver.
type Metrics struct {
	// Apply-side counters
	Applies     atomic.Uint64 // successful applies
	ApplyErrors atomic.Uint64 // failed transform attempts

	// Submit-side counters
	Submits     atomic.Uint64 // accepted submissions
	SubmitBytes atomic.Uint64 // serialized bytes handed to consensus

	// Catch-up and trim
	CatchUps     atomic.Uint64 // catch-up rounds triggered by fetch timeout
	SlotsLearned atomic.Uint64 // learn hints issued across all rounds
	Forgets      atomic.Uint64 // coordinator forget calls, periodic and explicit

	// Apply latency
	TotalApplyLatencyNs atomic.Uint64
	LatencyBuckets      [numLatencyBuckets]atomic.Uint64 // cumulative counts

	StartTime atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordApply records one apply attempt.
func (m *Metrics) RecordApply(latencyNs uint64, success bool) {
	if !success {
		m.ApplyErrors.Add(1)
		return
	}
	m.Applies.Add(1)
	m.TotalApplyLatencyNs.Add(latencyNs)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordSubmit records one accepted submission.
func (m *Metrics) RecordSubmit(bytes uint64) {
	m.Submits.Add(1)
	m.SubmitBytes.Add(bytes)
}

// RecordCatchUp records one catch-up round covering slots instances.
func (m *Metrics) RecordCatchUp(slots uint64) {
	m.CatchUps.Add(1)
	m.SlotsLearned.Add(slots)
}

// RecordForget records one coordinator forget, whether issued by the
// apply loop's periodic trim or by Driver.Forget.
func (m *Metrics) RecordForget() {
	m.Forgets.Add(1)
}

// MetricsSnapshot is a point-in-time copy of metrics.
type MetricsSnapshot struct {
	Applies      uint64
	ApplyErrors  uint64
	Submits      uint64
	SubmitBytes  uint64
	CatchUps     uint64
	SlotsLearned uint64
	Forgets      uint64

	AvgApplyLatencyNs uint64
	UptimeNs          uint64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Applies:      m.Applies.Load(),
		ApplyErrors:  m.ApplyErrors.Load(),
		Submits:      m.Submits.Load(),
		SubmitBytes:  m.SubmitBytes.Load(),
		CatchUps:     m.CatchUps.Load(),
		SlotsLearned: m.SlotsLearned.Load(),
		Forgets:      m.Forgets.Load(),
	}
	if snap.Applies > 0 {
		snap.AvgApplyLatencyNs = m.TotalApplyLatencyNs.Load() / snap.Applies
	}
	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())
	return snap
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveApply(uint64, bool)  {}
func (NoOpObserver) ObserveSubmit(uint64)       {}
func (NoOpObserver) ObserveCatchUp(uint64)      {}
func (NoOpObserver) ObserveForget(int64)        {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveApply(latencyNs uint64, success bool) {
	o.metrics.RecordApply(latencyNs, success)
}

func (o *MetricsObserver) ObserveSubmit(bytes uint64) {
	o.metrics.RecordSubmit(bytes)
}

func (o *MetricsObserver) ObserveCatchUp(slots uint64) {
	o.metrics.RecordCatchUp(slots)
}

func (o *MetricsObserver) ObserveForget(int64) {
	o.metrics.RecordForget()
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)

// Prometheus bridge.

var (
	appliesDesc = prometheus.NewDesc(
		"rsm_applies_total", "Instances applied by the driver.", nil, nil)
	applyErrorsDesc = prometheus.NewDesc(
		"rsm_apply_errors_total", "Failed transform attempts.", nil, nil)
	submitsDesc = prometheus.NewDesc(
		"rsm_submits_total", "Submissions accepted by the driver.", nil, nil)
	submitBytesDesc = prometheus.NewDesc(
		"rsm_submit_bytes_total", "Serialized bytes handed to consensus.", nil, nil)
	catchUpsDesc = prometheus.NewDesc(
		"rsm_catchups_total", "Catch-up rounds triggered by fetch timeouts.", nil, nil)
	slotsLearnedDesc = prometheus.NewDesc(
		"rsm_slots_learned_total", "Learn hints issued to the coordinator.", nil, nil)
	forgetsDesc = prometheus.NewDesc(
		"rsm_forgets_total", "Coordinator forgets, periodic and explicit.", nil, nil)
	applyLatencyDesc = prometheus.NewDesc(
		"rsm_apply_latency_seconds", "Latency of successful applies.", nil, nil)
)

// A prometheus.Collector exposing a Metrics instance as prometheus
// metrics.
type promCollector struct {
	m *Metrics
}

// Describe implements prometheus.Collector for promCollector
func (c *promCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector for promCollector
func (c *promCollector) Collect(ch chan<- prometheus.Metric) {
	var counter = func(desc *prometheus.Desc, value uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value))
	}
	counter(appliesDesc, c.m.Applies.Load())
	counter(applyErrorsDesc, c.m.ApplyErrors.Load())
	counter(submitsDesc, c.m.Submits.Load())
	counter(submitBytesDesc, c.m.SubmitBytes.Load())
	counter(catchUpsDesc, c.m.CatchUps.Load())
	counter(slotsLearnedDesc, c.m.SlotsLearned.Load())
	counter(forgetsDesc, c.m.Forgets.Load())

	buckets := make(map[float64]uint64, numLatencyBuckets)
	for i, bound := range LatencyBuckets {
		buckets[float64(bound)/1e9] = c.m.LatencyBuckets[i].Load()
	}
	ch <- prometheus.MustNewConstHistogram(
		applyLatencyDesc,
		c.m.Applies.Load(),
		float64(c.m.TotalApplyLatencyNs.Load())/1e9,
		buckets,
	)
}

// NewPrometheusCollector returns a collector exposing m.
func NewPrometheusCollector(m *Metrics) prometheus.Collector {
	return &promCollector{m: m}
}

var registration sync.Once

// RegisterPrometheusCollector registers m with the default prometheus
// registry. Only the first call registers; subsequent calls are no-ops.
func RegisterPrometheusCollector(m *Metrics) {
	registration.Do(func() {
		prometheus.MustRegister(NewPrometheusCollector(m))
	})
}
