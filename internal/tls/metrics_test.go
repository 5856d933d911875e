package tls

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m := NewMetrics("", WithRegistry(registry))
	assert.Same(t, registry, m.Registry())

	m.RecordBuild(RoleServer, true)
	m.RecordBuild(RoleServer, false)
	m.RecordBuild(RoleClient, true)
	m.RecordUpdate(RoleClient, SecretValidationContext, true)

	assert.InDelta(t, 1, testutil.ToFloat64(m.contextBuilds.WithLabelValues("server", ResultSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.contextBuilds.WithLabelValues("server", ResultFailure)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.contextBuilds.WithLabelValues("client", ResultSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(
		m.contextUpdates.WithLabelValues("client", SecretValidationContext, ResultSuccess)), 0)

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "avatls_context_builds_total")
	assert.Contains(t, names, "avatls_context_updates_total")
}

func TestMetrics_UpdateCertificateExpiry(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	ca := newTestCA(t, "root")
	leaf := ca.issue(t, leafOptions{commonName: "svc", notAfter: time.Now().Add(time.Hour)})

	m.UpdateCertificateExpiry("edge", leaf.cert)
	m.UpdateCertificateExpiry("edge", nil)

	remaining := testutil.ToFloat64(m.certificateExpiry.WithLabelValues("edge", "svc"))
	assert.Greater(t, remaining, 3000.0)
	assert.LessOrEqual(t, remaining, 3600.0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.certificateExpiry))
}

func TestNopMetrics(t *testing.T) {
	t.Parallel()

	var recorder MetricsRecorder = NewNopMetrics()
	assert.NotPanics(t, func() {
		recorder.RecordBuild(RoleClient, false)
		recorder.RecordUpdate(RoleServer, SecretCertificate, true)
		recorder.UpdateCertificateExpiry("ctx", nil)
	})
}
