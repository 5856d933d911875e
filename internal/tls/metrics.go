package tls

import (
	"crypto/x509"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result labels for context metrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Secret labels for context update metrics.
const (
	SecretCertificate       = "tls_certificate"
	SecretValidationContext = "validation_context"
)

// Metrics holds Prometheus metrics for TLS context configurations.
type Metrics struct {
	contextBuilds     *prometheus.CounterVec
	contextUpdates    *prometheus.CounterVec
	certificateExpiry *prometheus.GaugeVec

	registry *prometheus.Registry
}

// MetricsOption is a functional option for configuring Metrics.
type MetricsOption func(*Metrics)

// WithRegistry sets a custom Prometheus registry.
func WithRegistry(registry *prometheus.Registry) MetricsOption {
	return func(m *Metrics) {
		m.registry = registry
	}
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string, opts ...MetricsOption) *Metrics {
	if namespace == "" {
		namespace = "avatls"
	}

	m := &Metrics{}

	for _, opt := range opts {
		opt(m)
	}

	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	m.contextBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_builds_total",
			Help:      "Total number of TLS context configuration builds by role and result",
		},
		[]string{"role", "result"},
	)

	m.contextUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_updates_total",
			Help:      "Total number of TLS context rebuilds triggered by secret updates",
		},
		[]string{"role", "secret", "result"},
	)

	m.certificateExpiry = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "certificate_expiry_seconds",
			Help:      "Time until certificate expiry in seconds",
		},
		[]string{"context", "subject"},
	)

	m.registry.MustRegister(
		m.contextBuilds,
		m.contextUpdates,
		m.certificateExpiry,
	)

	return m
}

// RecordBuild records a context construction attempt.
func (m *Metrics) RecordBuild(role Role, success bool) {
	m.contextBuilds.WithLabelValues(string(role), resultLabel(success)).Inc()
}

// RecordUpdate records a rebuild triggered by a secret update.
func (m *Metrics) RecordUpdate(role Role, secretKind string, success bool) {
	m.contextUpdates.WithLabelValues(string(role), secretKind, resultLabel(success)).Inc()
}

// UpdateCertificateExpiry updates the certificate expiry gauge for a context.
func (m *Metrics) UpdateCertificateExpiry(contextName string, cert *x509.Certificate) {
	if cert == nil {
		return
	}
	subject := cert.Subject.CommonName
	if subject == "" {
		subject = cert.Subject.String()
	}
	m.certificateExpiry.WithLabelValues(contextName, subject).Set(time.Until(cert.NotAfter).Seconds())
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func resultLabel(success bool) string {
	if success {
		return ResultSuccess
	}
	return ResultFailure
}

// MetricsRecorder defines the interface for recording TLS context metrics.
type MetricsRecorder interface {
	RecordBuild(role Role, success bool)
	RecordUpdate(role Role, secretKind string, success bool)
	UpdateCertificateExpiry(contextName string, cert *x509.Certificate)
}

// Ensure implementations satisfy the interface.
var (
	_ MetricsRecorder = (*Metrics)(nil)
	_ MetricsRecorder = (*NopMetrics)(nil)
)

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// NewNopMetrics creates a new no-op metrics recorder.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// RecordBuild does nothing.
func (n *NopMetrics) RecordBuild(Role, bool) {}

// RecordUpdate does nothing.
func (n *NopMetrics) RecordUpdate(Role, string, bool) {}

// UpdateCertificateExpiry does nothing.
func (n *NopMetrics) UpdateCertificateExpiry(string, *x509.Certificate) {}
