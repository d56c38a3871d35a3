package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "optisync"

// Metrics counts store client writes. A nil *Metrics records nothing.
type Metrics struct {
	// Writes counts write attempts. Labels: op (set, cas), result (ok, conflict, error).
	Writes *prometheus.CounterVec
	// Exhausted counts AtomicUpdate calls that ran out of retries.
	Exhausted prometheus.Counter
}

// NewMetrics creates store metrics registered with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Writes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Store write attempts by operation and result",
		}, []string{"op", "result"}),
		Exhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "cas_exhausted_total",
			Help:      "Atomic updates that lost every compare-and-swap attempt",
		}),
	}
}

func (m *Metrics) write(op, result string) {
	if m == nil {
		return
	}
	m.Writes.WithLabelValues(op, result).Inc()
}

func (m *Metrics) exhausted() {
	if m == nil {
		return
	}
	m.Exhausted.Inc()
}
