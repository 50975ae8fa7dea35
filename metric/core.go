package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Queue label values.
const (
	QueueLiveData = "live_data"
	QueueTrigger  = "trigger"
	QueueStorage  = "storage"
	QueueOutbound = "outbound"
	QueueIngress  = "ingress"
)

// Metrics contains the router-level metrics shared by every queue.
type Metrics struct {
	QueuedItems      *prometheus.GaugeVec
	PublishesTotal   *prometheus.CounterVec
	RecordsPublished *prometheus.CounterVec
	PublishDuration  *prometheus.HistogramVec
	DroppedTotal     *prometheus.CounterVec
	FlushDuration    *prometheus.HistogramVec
	RosterSize       prometheus.Gauge

	NATSConnected   prometheus.Gauge
	NATSFailures    *prometheus.CounterVec
	NATSCircuitOpen prometheus.Gauge
}

// NewMetrics creates a new Metrics instance. Nothing is registered yet.
func NewMetrics() *Metrics {
	return &Metrics{
		QueuedItems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "router",
				Subsystem: "queue",
				Name:      "queued_items",
				Help:      "Items enqueued since the last flush of the queue",
			},
			[]string{"queue"},
		),

		PublishesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "router",
				Subsystem: "publish",
				Name:      "total",
				Help:      "Publish calls by queue and outcome",
			},
			[]string{"queue", "status"},
		),

		RecordsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "router",
				Subsystem: "publish",
				Name:      "records_total",
				Help:      "Records contained in successfully published batches",
			},
			[]string{"queue"},
		),

		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "router",
				Subsystem: "publish",
				Name:      "duration_seconds",
				Help:      "Time spent in a single publish call",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"queue"},
		),

		DroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "router",
				Subsystem: "queue",
				Name:      "dropped_total",
				Help:      "Records dropped by queue and reason",
			},
			[]string{"queue", "reason"},
		),

		FlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "router",
				Subsystem: "flush",
				Name:      "duration_seconds",
				Help:      "Wall time of a complete flush including all publishes",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),

		RosterSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "router",
				Subsystem: "live_data",
				Name:      "targets",
				Help:      "Number of live data targets in the current roster",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "router",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "router",
				Subsystem: "nats",
				Name:      "failures_total",
				Help:      "Failed NATS operations counted by the circuit breaker",
			},
			[]string{"operation"},
		),

		NATSCircuitOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "router",
				Subsystem: "nats",
				Name:      "circuit_open",
				Help:      "1 while the NATS circuit breaker rejects calls",
			},
		),
	}
}

// The Record helpers are safe on a nil receiver so queues built without a
// registry (tests, tools) do not need to guard every call.

// AddQueued adds n to the queued gauge of queue.
func (c *Metrics) AddQueued(queue string, n int) {
	if c == nil {
		return
	}
	c.QueuedItems.WithLabelValues(queue).Add(float64(n))
}

// ResetQueued sets the queued gauge of queue to zero.
func (c *Metrics) ResetQueued(queue string) {
	if c == nil {
		return
	}
	c.QueuedItems.WithLabelValues(queue).Set(0)
}

// RecordPublish records the outcome of one publish call.
func (c *Metrics) RecordPublish(queue string, records int, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.PublishDuration.WithLabelValues(queue).Observe(duration.Seconds())
	if err != nil {
		c.PublishesTotal.WithLabelValues(queue, "error").Inc()
		return
	}
	c.PublishesTotal.WithLabelValues(queue, "success").Inc()
	c.RecordsPublished.WithLabelValues(queue).Add(float64(records))
}

// RecordDropped counts records that will never be published.
func (c *Metrics) RecordDropped(queue, reason string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.DroppedTotal.WithLabelValues(queue, reason).Add(float64(n))
}

// RecordFlush observes the duration of a whole flush.
func (c *Metrics) RecordFlush(queue string, duration time.Duration) {
	if c == nil {
		return
	}
	c.FlushDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordRosterSize updates the live data target count.
func (c *Metrics) RecordRosterSize(n int) {
	if c == nil {
		return
	}
	c.RosterSize.Set(float64(n))
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSFailure counts one failed NATS operation.
func (c *Metrics) RecordNATSFailure(operation string) {
	if c == nil {
		return
	}
	c.NATSFailures.WithLabelValues(operation).Inc()
}

// RecordNATSCircuit tracks the breaker state.
func (c *Metrics) RecordNATSCircuit(open bool) {
	if c == nil {
		return
	}
	if open {
		c.NATSCircuitOpen.Set(1)
		return
	}
	c.NATSCircuitOpen.Set(0)
}
