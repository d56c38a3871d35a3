package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics describes relay traffic.
type Metrics struct {
	Connections prometheus.Gauge
	// Frames counts frames by op and direction (in, out).
	Frames *prometheus.CounterVec
}

// NewMetrics creates relay metrics registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "optisync",
			Subsystem: "remote",
			Name:      "connections",
			Help:      "Open relay websocket connections",
		}),
		Frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optisync",
			Subsystem: "remote",
			Name:      "frames_total",
			Help:      "Relay frames by op and direction",
		}, []string{"op", "direction"}),
	}
}
