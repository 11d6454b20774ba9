package biosign

import (
	"log/slog"
	"time"

	"github.com/ruteri/tee-biometric-signer/interfaces"
	"github.com/ruteri/tee-biometric-signer/metrics"
)

// DefaultFailureLimit is the number of failed attempts after which a
// ceremony is closed.
const DefaultFailureLimit = 4

// Option configures an Orchestrator in New.
type Option func(*Orchestrator)

// WithLogger sets the logger. A nil logger keeps the default.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics records ceremony outcomes in m.
func WithMetrics(m *metrics.CeremonyMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithFailureLimit overrides DefaultFailureLimit. Values below 1 are ignored.
func WithFailureLimit(limit int) Option {
	return func(o *Orchestrator) {
		if limit > 0 {
			o.failureLimit = limit
		}
	}
}

// WithScheme selects the signature scheme of keys created by CreateKeyPair.
func WithScheme(scheme interfaces.Scheme) Option {
	return func(o *Orchestrator) {
		o.scheme = scheme
	}
}

// WithClock replaces the time source used for SignedAt.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}
