package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Verify request results used as the "result" label.
const (
	VerifyValid       = "valid"
	VerifyInvalid     = "invalid"
	VerifyBadRequest  = "bad_request"
	VerifyRateLimited = "rate_limited"
)

// VerifyMetrics counts public verify requests. A nil *VerifyMetrics is a
// valid no-op.
type VerifyMetrics struct {
	requestsTotal *prometheus.CounterVec
}

func NewVerifyMetrics(namespace string, registerer prometheus.Registerer) *VerifyMetrics {
	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "requests_total",
			Help:      "Signature verification requests by result.",
		},
		[]string{"result"},
	)
	registerer.MustRegister(requestsTotal)

	return &VerifyMetrics{requestsTotal: requestsTotal}
}

func (m *VerifyMetrics) Observe(result string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(result).Inc()
}

// RequestsTotal returns the counter for result.
func (m *VerifyMetrics) RequestsTotal(result string) prometheus.Counter {
	return m.requestsTotal.WithLabelValues(result)
}
