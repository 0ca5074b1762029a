package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bbauth"

// Metrics groups the collectors updated by the session manager, the OAuth flow engine
// and the request dispatcher. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsRemoved *prometheus.CounterVec // reason: logout, expired, idle, evicted, cleanup
	CleanupRuns     prometheus.Counter
	OAuthGrants     *prometheus.CounterVec // grant, outcome
	Requests        *prometheus.CounterVec // method, status
	RequestDuration *prometheus.HistogramVec
	RequestRetries  prometheus.Counter
}

// New creates the collectors and registers them on reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held in the registry.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created.",
		}),
		SessionsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_removed_total",
			Help:      "Sessions removed, by reason.",
		}, []string{"reason"}),
		CleanupRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_cleanup_runs_total",
			Help:      "Expired session sweeps executed.",
		}),
		OAuthGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_grants_total",
			Help:      "Token endpoint requests, by grant type and outcome.",
		}, []string{"grant", "outcome"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Authenticated API requests, by method and final status.",
		}, []string{"method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Authenticated API request latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RequestRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_request_retries_total",
			Help:      "Retries performed for transient API failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ActiveSessions,
			m.SessionsCreated,
			m.SessionsRemoved,
			m.CleanupRuns,
			m.OAuthGrants,
			m.Requests,
			m.RequestDuration,
			m.RequestRetries,
		)
	}
	return m
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionRemoved(reason string) {
	if m == nil {
		return
	}
	m.SessionsRemoved.WithLabelValues(reason).Inc()
	m.ActiveSessions.Dec()
}

func (m *Metrics) Cleanup() {
	if m == nil {
		return
	}
	m.CleanupRuns.Inc()
}

func (m *Metrics) Grant(grant, outcome string) {
	if m == nil {
		return
	}
	m.OAuthGrants.WithLabelValues(grant, outcome).Inc()
}

func (m *Metrics) Request(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.RequestRetries.Inc()
}
