package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Fetch results.
const (
	fetchSuccess  = "success"
	fetchNotFound = "not_found"
	fetchError    = "error"
)

// Recorder records discovery channel metrics.
type Recorder interface {
	RecordFetch(channel, result string)
	SetTargets(channel string, count int)
}

// Metrics holds Prometheus metrics for discovery channels.
type Metrics struct {
	fetchesTotal *prometheus.CounterVec
	targets      *prometheus.GaugeVec

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

// NewMetrics creates discovery metrics under namespace.
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

	m.fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "fetches_total",
			Help:      "Total number of secret fetches by channel and result",
		},
		[]string{"channel", "result"},
	)
	m.targets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "targets",
			Help:      "Number of secrets watched by each channel",
		},
		[]string{"channel"},
	)

	m.registry.MustRegister(m.fetchesTotal, m.targets)
	return m
}

// RecordFetch counts one fetch attempt.
func (m *Metrics) RecordFetch(channel, result string) {
	m.fetchesTotal.WithLabelValues(channel, result).Inc()
}

// SetTargets sets the number of watched secrets for channel.
func (m *Metrics) SetTargets(channel string, count int) {
	m.targets.WithLabelValues(channel).Set(float64(count))
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

// RecordFetch does nothing.
func (NopMetrics) RecordFetch(string, string) {}

// SetTargets does nothing.
func (NopMetrics) SetTargets(string, int) {}
