package stream

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricFeedSubscribes   = "audit_feed_subscribes_total"
	MetricFeedUnsubscribes = "audit_feed_unsubscribes_total"
	MetricFeedMessages     = "audit_feed_messages_total"
	MetricFeedSendErrors   = "audit_feed_send_errors_total"
)

// Metrics contains Prometheus metrics for the live audit feed.
// All operations are thread-safe.
type Metrics struct {
	subscribes   prometheus.Counter
	unsubscribes prometheus.Counter
	messages     prometheus.Counter
	sendErrors   prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		subscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFeedSubscribes,
			Help: "Total number of live feed subscriptions",
		}),
		unsubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFeedUnsubscribes,
			Help: "Total number of live feed subscriptions closed",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFeedMessages,
			Help: "Total number of audit entries delivered to live feed subscribers",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFeedSendErrors,
			Help: "Total number of failed live feed deliveries",
		}),
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

// IncSubscribes increments the subscriptions counter.
func (m *Metrics) IncSubscribes() {
	m.subscribes.Inc()
}

// IncUnsubscribes increments the closed subscriptions counter.
func (m *Metrics) IncUnsubscribes() {
	m.unsubscribes.Inc()
}

// IncMessages increments the delivered messages counter.
func (m *Metrics) IncMessages() {
	m.messages.Inc()
}

// IncSendErrors increments the failed deliveries counter.
func (m *Metrics) IncSendErrors() {
	m.sendErrors.Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.subscribes,
		m.unsubscribes,
		m.messages,
		m.sendErrors,
	}
}
