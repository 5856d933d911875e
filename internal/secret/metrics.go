package secret

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result is the outcome of a dynamic secret update.
type Result string

// Update results.
const (
	ResultApplied   Result = "applied"
	ResultRejected  Result = "rejected"
	ResultUnchanged Result = "unchanged"
)

// Recorder records secret metrics.
type Recorder interface {
	RecordUpdate(secretType Type, result Result)
	SetProviders(secretType Type, count int)
}

// Metrics holds Prometheus metrics for secret providers.
type Metrics struct {
	updatesTotal *prometheus.CounterVec
	providers    *prometheus.GaugeVec

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

// NewMetrics creates secret metrics under namespace.
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

	m.updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secret_updates_total",
			Help:      "Total number of dynamic secret updates by secret type and result",
		},
		[]string{"kind", "result"},
	)

	m.providers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "secret_providers",
			Help:      "Number of live dynamic secret providers by secret type",
		},
		[]string{"kind"},
	)

	m.registry.MustRegister(m.updatesTotal, m.providers)

	return m
}

// RecordUpdate records a dynamic secret update.
func (m *Metrics) RecordUpdate(secretType Type, result Result) {
	m.updatesTotal.WithLabelValues(string(secretType), string(result)).Inc()
}

// SetProviders sets the number of live dynamic providers.
func (m *Metrics) SetProviders(secretType Type, count int) {
	m.providers.WithLabelValues(string(secretType)).Set(float64(count))
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// NopMetrics discards all metrics.
type NopMetrics struct{}

// RecordUpdate is a no-op.
func (NopMetrics) RecordUpdate(Type, Result) {}

// SetProviders is a no-op.
func (NopMetrics) SetProviders(Type, int) {}

var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = NopMetrics{}
)
