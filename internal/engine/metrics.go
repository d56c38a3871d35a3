package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics describes engine behaviour. A nil *Metrics records nothing.
type Metrics struct {
	// Intents counts user intents. Labels: intent, result (ok, rejected, error).
	Intents *prometheus.CounterVec
	// Guard counts reconciliation guard outcomes. Labels: outcome
	// (corroborated, suppressed, expired, rolled_back).
	Guard *prometheus.CounterVec
	// Snapshots counts snapshots reaching views. Labels: stream, result
	// (applied, malformed).
	Snapshots *prometheus.CounterVec
	// Operations counts multi-step operations. Labels: kind, result
	// (done, partial, resumed, failed_resume).
	Operations *prometheus.CounterVec
	// SelfHeals counts orphaned friend requests deleted on observation.
	SelfHeals prometheus.Counter
	// Revealed counts feed items revealed.
	Revealed prometheus.Counter
}

// NewMetrics creates engine metrics registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: "optisync", Subsystem: "engine", Name: name, Help: help}
	}
	return &Metrics{
		Intents:    factory.NewCounterVec(opts("intents_total", "User intents by result"), []string{"intent", "result"}),
		Guard:      factory.NewCounterVec(opts("guard_outcomes_total", "Reconciliation guard outcomes"), []string{"outcome"}),
		Snapshots:  factory.NewCounterVec(opts("snapshots_total", "Snapshots delivered to views"), []string{"stream", "result"}),
		Operations: factory.NewCounterVec(opts("operations_total", "Multi-step operations by result"), []string{"kind", "result"}),
		SelfHeals:  factory.NewCounter(opts("self_heals_total", "Orphaned friend requests deleted on observation")),
		Revealed:   factory.NewCounter(opts("feed_items_revealed_total", "Feed items revealed to the UI")),
	}
}

func (m *Metrics) intent(name string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case IsInvalidTransition(err), IsInvalidArgument(err), IsNotReady(err):
		result = "rejected"
	default:
		result = "error"
	}
	m.Intents.WithLabelValues(name, result).Inc()
}

func (m *Metrics) guard(outcome string) {
	if m == nil {
		return
	}
	m.Guard.WithLabelValues(outcome).Inc()
}

func (m *Metrics) snapshot(stream string, malformed bool) {
	if m == nil {
		return
	}
	result := "applied"
	if malformed {
		result = "malformed"
	}
	m.Snapshots.WithLabelValues(stream, result).Inc()
}

func (m *Metrics) operation(kind, result string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) selfHeal() {
	if m == nil {
		return
	}
	m.SelfHeals.Inc()
}

func (m *Metrics) revealed(n int) {
	if m == nil {
		return
	}
	m.Revealed.Add(float64(n))
}
