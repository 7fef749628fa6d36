package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the rate-limit decision counters. All emissions are
// fire-and-forget; a nil *Metrics disables recording entirely.
type Metrics struct {
	Allowed        *prometheus.CounterVec
	Blocked        *prometheus.CounterVec
	BackoffApplied *prometheus.CounterVec
	BackoffLockout prometheus.Histogram
}

// NewMetrics registers the rate-limit metrics with the given
// registerer (nil for the default).
func NewMetrics(namespace string, registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	decisionLabels := []string{"route", "scope", "key_kind", "policy"}

	return &Metrics{
		Allowed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_allowed_total",
				Help:      "Requests allowed through the rate limiter",
			},
			decisionLabels,
		),
		Blocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_blocked_total",
				Help:      "Requests blocked by the rate limiter",
			},
			decisionLabels,
		),
		BackoffApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_backoff_applied_total",
				Help:      "Requests blocked by the auth-failure lockout",
			},
			[]string{"route"},
		),
		BackoffLockout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auth_backoff_lockout_seconds",
				Help:      "Remaining lockout duration observed on auth-backoff blocks",
				Buckets:   []float64{2, 4, 8, 16, 32, 64, 128, 256, 512, 900},
			},
		),
	}
}

func (m *Metrics) recordAllowed(route string, scope Scope, keyKind Scope, policy string) {
	if m == nil {
		return
	}
	m.Allowed.WithLabelValues(route, string(scope), string(keyKind), policy).Inc()
}

func (m *Metrics) recordBlocked(route string, scope Scope, keyKind Scope, policy string) {
	if m == nil {
		return
	}
	m.Blocked.WithLabelValues(route, string(scope), string(keyKind), policy).Inc()
}

func (m *Metrics) recordBackoffApplied(route string, lockoutSeconds int) {
	if m == nil {
		return
	}
	m.BackoffApplied.WithLabelValues(route).Inc()
	m.BackoffLockout.Observe(float64(lockoutSeconds))
}
