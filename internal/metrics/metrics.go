// Package metrics holds the Prometheus collectors for the credential
// lifecycle. Collectors are registered on the Registerer passed to New, never
// on the global default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "authcore"

type Metrics struct {
	tokensIssued  *prometheus.CounterVec
	rotations     *prometheus.CounterVec
	reuseDetected prometheus.Counter
	revocations   prometheus.Counter
	sessions      *prometheus.CounterVec
	twoFactor     *prometheus.CounterVec
	logins        *prometheus.CounterVec
	ledgerSwept   prometheus.Counter
	httpDuration  *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Signed tokens issued, by kind.",
		}, []string{"kind"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_rotations_total",
			Help:      "Refresh token rotation attempts, by outcome.",
		}, []string{"outcome"}),
		reuseDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_reuse_detected_total",
			Help:      "Replays of rotated or revoked refresh tokens.",
		}),
		revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_tokens_revoked_total",
			Help:      "Access tokens added to the revocation registry.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_operations_total",
			Help:      "Session registry mutations, by operation.",
		}, []string{"operation"}),
		twoFactor: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "two_factor_operations_total",
			Help:      "Second factor operations, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Password login attempts, by outcome.",
		}, []string{"outcome"}),
		ledgerSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_ledger_swept_total",
			Help:      "Expired refresh token records removed by the sweeper.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route template, method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}

	reg.MustRegister(
		m.tokensIssued,
		m.rotations,
		m.reuseDetected,
		m.revocations,
		m.sessions,
		m.twoFactor,
		m.logins,
		m.ledgerSwept,
		m.httpDuration,
	)
	return m
}

// A nil *Metrics is valid and records nothing.

func (m *Metrics) TokenIssued(kind string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) Rotation(outcome string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReuseDetected() {
	if m == nil {
		return
	}
	m.reuseDetected.Inc()
}

func (m *Metrics) AccessTokenRevoked() {
	if m == nil {
		return
	}
	m.revocations.Inc()
}

func (m *Metrics) Session(operation string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessions.WithLabelValues(operation).Add(float64(n))
}

func (m *Metrics) TwoFactor(operation, outcome string) {
	if m == nil {
		return
	}
	m.twoFactor.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LedgerSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ledgerSwept.Add(float64(n))
}

func (m *Metrics) ObserveHTTP(route, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, method, status).Observe(d.Seconds())
}
