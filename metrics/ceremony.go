package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Ceremony outcomes used as the "outcome" label.
const (
	OutcomeSigned       = "signed"
	OutcomeSignFailed   = "sign_failed"
	OutcomeLimitReached = "limit_reached"
	OutcomeAborted      = "aborted"
	OutcomeCancelled    = "cancelled"
	OutcomeSuperseded   = "superseded"
)

// CeremonyMetrics tracks signature requests. A nil *CeremonyMetrics is a
// valid no-op.
type CeremonyMetrics struct {
	ceremoniesTotal     *prometheus.CounterVec
	failedAttemptsTotal prometheus.Counter
	inflight            prometheus.Gauge
}

func NewCeremonyMetrics(namespace string, registerer prometheus.Registerer) *CeremonyMetrics {
	ceremoniesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ceremonies_total",
			Help:      "Signature requests by final outcome.",
		},
		[]string{"outcome"},
	)
	registerer.MustRegister(ceremoniesTotal)

	failedAttemptsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failed_attempts_total",
		Help:      "Rejected biometric samples.",
	})
	registerer.MustRegister(failedAttemptsTotal)

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_ceremonies",
		Help:      "Signature requests waiting for authentication or signing.",
	})
	registerer.MustRegister(inflight)

	return &CeremonyMetrics{
		ceremoniesTotal:     ceremoniesTotal,
		failedAttemptsTotal: failedAttemptsTotal,
		inflight:            inflight,
	}
}

func (m *CeremonyMetrics) CeremonyStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *CeremonyMetrics) CeremonyFinished(outcome string) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.ceremoniesTotal.WithLabelValues(outcome).Inc()
}

func (m *CeremonyMetrics) FailedAttempt() {
	if m == nil {
		return
	}
	m.failedAttemptsTotal.Inc()
}
