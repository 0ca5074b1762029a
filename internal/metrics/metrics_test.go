package metrics_test

import (
	"testing"

	"github.com/jrsteele09/go-bitbucket-auth/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSessionGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.SessionCreated()
	m.SessionCreated()
	m.SessionRemoved("logout")

	require.Equal(t, float64(1), testutil.ToFloat64(m.ActiveSessions))
	require.Equal(t, float64(2), testutil.ToFloat64(m.SessionsCreated))
	require.Equal(t, float64(1), testutil.ToFloat64(m.SessionsRemoved.WithLabelValues("logout")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	require.NotPanics(t, func() {
		m.SessionCreated()
		m.SessionRemoved("expired")
		m.Cleanup()
		m.Grant("refresh_token", "success")
		m.Request("GET", "200", 0.1)
		m.Retry()
	})
}
