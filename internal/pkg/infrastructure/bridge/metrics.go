package bridge

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics carries the bridge counters. The atomic copies feed the health
// endpoint without a registry scrape.
type Metrics struct {
	received  *prometheus.CounterVec
	published *prometheus.CounterVec
	failed    *prometheus.CounterVec
	flushed   prometheus.Counter

	receivedTotal  atomic.Int64
	publishedTotal atomic.Int64
	failedTotal    atomic.Int64
	flushedTotal   atomic.Int64
	breakerOpen    atomic.Bool
	connected      atomic.Bool

	breakerGauge   prometheus.Gauge
	connectedGauge prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_received_total",
			Help: "Broker messages received, by topic family.",
		}, []string{"family"}),
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_published_total",
			Help: "Messages published to the broker, by topic.",
		}, []string{"topic"}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_failed_total",
			Help: "Messages dropped or failed, by reason.",
		}, []string{"reason"}),
		flushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_flushes_total",
			Help: "Completed broker round-trips draining the outbound buffer.",
		}),
		breakerGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_circuit_breaker_open",
			Help: "1 while the publish circuit breaker is open.",
		}),
		connectedGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_connected",
			Help: "1 while the broker session is up.",
		}),
	}
}

func (m *Metrics) IncReceived(family string) {
	m.received.WithLabelValues(family).Inc()
	m.receivedTotal.Add(1)
}

func (m *Metrics) IncPublished(topic string) {
	m.published.WithLabelValues(topic).Inc()
	m.publishedTotal.Add(1)
}

func (m *Metrics) IncFailed(reason string) {
	m.failed.WithLabelValues(reason).Inc()
	m.failedTotal.Add(1)
}

func (m *Metrics) IncFlushed() {
	m.flushed.Inc()
	m.flushedTotal.Add(1)
}

func (m *Metrics) SetBreakerOpen(open bool) {
	m.breakerOpen.Store(open)
	if open {
		m.breakerGauge.Set(1)
	} else {
		m.breakerGauge.Set(0)
	}
}

func (m *Metrics) SetConnected(connected bool) {
	m.connected.Store(connected)
	if connected {
		m.connectedGauge.Set(1)
	} else {
		m.connectedGauge.Set(0)
	}
}

// Snapshot is the health endpoint's view of the bridge.
type Snapshot struct {
	Received           int64 `json:"received"`
	Published          int64 `json:"published"`
	Failed             int64 `json:"failed"`
	Flushes            int64 `json:"flushes"`
	CircuitBreakerOpen bool  `json:"circuitBreakerOpen"`
	Connected          bool  `json:"connected"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Received:           m.receivedTotal.Load(),
		Published:          m.publishedTotal.Load(),
		Failed:             m.failedTotal.Load(),
		Flushes:            m.flushedTotal.Load(),
		CircuitBreakerOpen: m.breakerOpen.Load(),
		Connected:          m.connected.Load(),
	}
}
