package main

import (
	"context"
	"reflect"
	"time"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
)

// startBootstrapWatcher reloads the application whenever the bootstrap file
// changes. It returns nil when the watcher cannot be started.
func startBootstrapWatcher(
	ctx context.Context,
	app *application,
	path string,
	logger observability.Logger,
) *config.Watcher {
	rm := app.reloadMetrics

	watcher, err := config.NewWatcher(path, func(b *config.Bootstrap) {
		app.reload(b)
	},
		config.WithLogger(logger.Named("bootstrap")),
		config.WithErrorCallback(func(error) {
			rm.reloadTotal.WithLabelValues("error").Inc()
		}),
	)
	if err != nil {
		logger.Warn("failed to create bootstrap watcher", observability.Error(err))
		rm.watcherStatus.Set(0)
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("failed to start bootstrap watcher", observability.Error(err))
		rm.watcherStatus.Set(0)
		_ = watcher.Stop()
		return nil
	}

	rm.watcherStatus.Set(1)
	return watcher
}

// reload applies a new bootstrap: static secrets are replaced and every
// listener and cluster context is rebuilt. When a context fails to build the
// previous contexts stay in service. Discovery channels are not rebuilt.
func (a *application) reload(b *config.Bootstrap) {
	start := time.Now()
	rm := a.reloadMetrics
	defer func() {
		rm.reloadDuration.Observe(time.Since(start).Seconds())
	}()

	if !reflect.DeepEqual(a.discovery, b.Discovery) {
		a.logger.Warn("discovery settings changed, restart required to apply them")
	}

	if err := a.manager.ReplaceStaticSecrets(b.StaticSecrets); err != nil {
		a.logger.Error("failed to reload static secrets", observability.Error(err))
		rm.reloadTotal.WithLabelValues("error").Inc()
		return
	}

	listeners, clusters, err := a.buildEndpoints(b)
	if err != nil {
		a.logger.Error("failed to rebuild TLS contexts, keeping previous", observability.Error(err))
		rm.reloadTotal.WithLabelValues("error").Inc()
		return
	}
	a.swapEndpoints(listeners, clusters)

	rm.reloadTotal.WithLabelValues("success").Inc()
	rm.reloadLastSuccess.SetToCurrentTime()
	a.logger.Info("TLS contexts reloaded",
		observability.Int("listeners", len(listeners)),
		observability.Int("clusters", len(clusters)),
		observability.Duration("duration", time.Since(start)),
	)
}
