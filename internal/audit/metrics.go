package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricEntriesRecorded  = "audit_entries_recorded_total"
	MetricAsyncQueueDepth  = "audit_async_queue_depth"
	MetricAsyncDropped     = "audit_async_dropped_total"
	MetricAppendDuration   = "audit_append_duration_seconds"
	MetricIntegrityIssues  = "audit_integrity_issues_total"
	MetricRetentionDeleted = "audit_retention_deleted_total"
)

// Recording modes and outcomes used as label values.
const (
	ModeSync  = "sync"
	ModeAsync = "async"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics contains Prometheus metrics for the audit trail.
// All operations are thread-safe.
type Metrics struct {
	entriesRecorded  *prometheus.CounterVec
	asyncQueueDepth  prometheus.Gauge
	asyncDropped     prometheus.Counter
	appendDuration   prometheus.Histogram
	integrityIssues  *prometheus.CounterVec
	retentionDeleted prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		entriesRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEntriesRecorded,
				Help: "Total number of audit record attempts by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		asyncQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricAsyncQueueDepth,
				Help: "Number of asynchronous audit requests waiting for a worker",
			},
		),
		asyncDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricAsyncDropped,
				Help: "Total number of asynchronous audit requests rejected because the queue was full",
			},
		),
		appendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricAppendDuration,
				Help:    "Histogram of chain append latency in seconds",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),
		integrityIssues: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricIntegrityIssues,
				Help: "Total number of integrity issues found by verification, by kind",
			},
			[]string{"kind"},
		),
		retentionDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricRetentionDeleted,
				Help: "Total number of audit entries removed by retention",
			},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRecorded counts one record attempt.
func (m *Metrics) IncRecorded(mode, outcome string) {
	m.entriesRecorded.WithLabelValues(mode, outcome).Inc()
}

// SetQueueDepth sets the async queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.asyncQueueDepth.Set(float64(n))
}

// IncDropped counts an async request rejected by a full queue.
func (m *Metrics) IncDropped() {
	m.asyncDropped.Inc()
}

// ObserveAppendDuration records a chain append latency sample.
func (m *Metrics) ObserveAppendDuration(seconds float64) {
	m.appendDuration.Observe(seconds)
}

// IncIntegrityIssue counts one verification finding.
func (m *Metrics) IncIntegrityIssue(kind IssueKind) {
	m.integrityIssues.WithLabelValues(string(kind)).Inc()
}

// AddRetentionDeleted adds n removed entries.
func (m *Metrics) AddRetentionDeleted(n int64) {
	m.retentionDeleted.Add(float64(n))
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.entriesRecorded,
		m.asyncQueueDepth,
		m.asyncDropped,
		m.appendDuration,
		m.integrityIssues,
		m.retentionDeleted,
	}
}
