package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// reloadMetrics holds Prometheus metrics for bootstrap reloads.
type reloadMetrics struct {
	reloadTotal       *prometheus.CounterVec
	reloadDuration    prometheus.Histogram
	reloadLastSuccess prometheus.Gauge
	watcherStatus     prometheus.Gauge
}

func newReloadMetrics(registry *prometheus.Registry) *reloadMetrics {
	rm := &reloadMetrics{
		reloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_total",
				Help:      "Total number of bootstrap reloads",
			},
			[]string{"result"},
		),
		reloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of bootstrap reloads",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		reloadLastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_last_success_timestamp",
				Help:      "Timestamp of the last successful bootstrap reload",
			},
		),
		watcherStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "config_watcher_running",
				Help:      "Whether the bootstrap watcher is running (1=running, 0=stopped)",
			},
		),
	}
	registry.MustRegister(rm.reloadTotal, rm.reloadDuration, rm.reloadLastSuccess, rm.watcherStatus)
	return rm
}

// newMetricsServer serves /metrics, /healthz, /readyz and /contexts.
func newMetricsServer(addr string, app *application, logger observability.Logger) *http.Server {
	logger.Info("starting metrics server", observability.String("address", addr))

	return &http.Server{
		Addr:              addr,
		Handler:           newAdminHandler(app),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

func newAdminHandler(app *application) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{Registry: app.registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !app.ready() {
			http.Error(w, "secrets pending", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/contexts", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(app.statuses())
	})
	return mux
}

func runMetricsServer(server *http.Server, logger observability.Logger) {
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", observability.Error(err))
	}
}
