package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments ledger operations. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    *prometheus.CounterVec
	violations prometheus.Gauge
}

// NewMetrics registers the ledger collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by result kind.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "retries_total",
			Help:      "Units of work retried after a transient storage failure.",
		}, []string{"op"}),
		violations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledger",
			Name:      "invariant_violations",
			Help:      "Aggregate mismatches found by the last verification pass.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.retries, m.violations)
	}
	return m
}

func (m *Metrics) observe(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, Kind(err)).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) retried(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) setViolations(n int) {
	if m == nil {
		return
	}
	m.violations.Set(float64(n))
}
