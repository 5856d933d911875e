package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/discovery"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/secret"
	tlspkg "github.com/vyrodovalexey/avatls/internal/tls"
)

const metricsNamespace = "avatls"

// application holds all daemon components.
type application struct {
	logger        observability.Logger
	registry      *prometheus.Registry
	manager       *secret.Manager
	dispatcher    *discovery.Dispatcher
	router        *discovery.Router
	tlsMetrics    *tlspkg.Metrics
	reloadMetrics *reloadMetrics
	metricsServer *http.Server

	// discovery is the channel configuration the router was built with.
	// Channels are not rebuilt on reload.
	discovery config.DiscoveryConfig

	mu        sync.RWMutex
	listeners map[string]*endpoint
	clusters  map[string]*endpoint
}

// channelFactory builds the discovery channels of a bootstrap. Tests swap
// it to avoid dialing Vault, Kubernetes or a SPIFFE agent.
type channelFactory func(
	cfg config.DiscoveryConfig,
	applier *discovery.Applier,
	metrics *discovery.Metrics,
	logger observability.Logger,
) ([]discovery.Channel, error)

// initApplication wires the secret manager, the discovery channels and the
// context of every listener and cluster in cfg.
func initApplication(cfg *config.Bootstrap, logger observability.Logger) (*application, error) {
	return newApplication(cfg, logger, buildChannels)
}

func newApplication(cfg *config.Bootstrap, logger observability.Logger, channels channelFactory) (*application, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager := secret.NewManager(
		secret.WithLogger(logger.Named("secret")),
		secret.WithMetrics(secret.NewMetrics(metricsNamespace, secret.WithRegistry(registry))),
	)
	if err := manager.ReplaceStaticSecrets(cfg.StaticSecrets); err != nil {
		return nil, fmt.Errorf("failed to load static secrets: %w", err)
	}

	discoveryLogger := logger.Named("discovery")
	dispatcher := discovery.NewDispatcher(discovery.WithDispatcherLogger(discoveryLogger))
	applier := discovery.NewApplier(manager, dispatcher, discoveryLogger)

	chs, err := channels(cfg.Discovery, applier,
		discovery.NewMetrics(metricsNamespace, discovery.WithRegistry(registry)), discoveryLogger)
	if err != nil {
		return nil, err
	}
	router := discovery.NewRouter(discoveryLogger, chs...)
	router.Attach(manager)

	app := &application{
		logger:        logger,
		registry:      registry,
		manager:       manager,
		dispatcher:    dispatcher,
		router:        router,
		tlsMetrics:    tlspkg.NewMetrics(metricsNamespace, tlspkg.WithRegistry(registry)),
		reloadMetrics: newReloadMetrics(registry),
		discovery:     cfg.Discovery,
		listeners:     make(map[string]*endpoint),
		clusters:      make(map[string]*endpoint),
	}

	listeners, clusters, err := app.buildEndpoints(cfg)
	if err != nil {
		dispatcher.Stop()
		return nil, err
	}
	app.swapEndpoints(listeners, clusters)
	return app, nil
}

// buildChannels creates one channel per enabled discovery source.
func buildChannels(
	cfg config.DiscoveryConfig,
	applier *discovery.Applier,
	metrics *discovery.Metrics,
	logger observability.Logger,
) ([]discovery.Channel, error) {
	opts := []discovery.Option{discovery.WithLogger(logger), discovery.WithMetrics(metrics)}
	var channels []discovery.Channel

	if cfg.File.Enabled {
		channels = append(channels, discovery.NewFileChannel(applier, cfg.File.Debounce.Duration(), opts...))
	}

	if cfg.Vault.Enabled {
		reader, err := discovery.NewVaultKVReader(cfg.Vault)
		if err != nil {
			return nil, err
		}
		ch, err := discovery.NewVaultChannel(reader, applier, cfg.Vault.PollInterval.Duration(), opts...)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	if cfg.Kubernetes.Enabled {
		client, err := discovery.NewKubernetesClient()
		if err != nil {
			return nil, err
		}
		ch, err := discovery.NewKubernetesChannel(client, applier, cfg.Kubernetes.PollInterval.Duration(), opts...)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	if cfg.SPIFFE.Enabled {
		channels = append(channels, discovery.NewSPIFFEChannel(applier, cfg.SPIFFE.SocketPath, nil, opts...))
	}

	for _, ch := range channels {
		logger.Info("discovery channel enabled", observability.String("channel", string(ch.Kind())))
	}
	return channels, nil
}

// run delivers secrets until ctx is done or a channel fails.
func (a *application) run(ctx context.Context) error {
	go a.dispatcher.Run(ctx)
	return a.router.Run(ctx)
}

// buildEndpoints builds a context for every listener and cluster in cfg. On
// error every context built so far is closed.
func (a *application) buildEndpoints(cfg *config.Bootstrap) (map[string]*endpoint, map[string]*endpoint, error) {
	listeners := make(map[string]*endpoint, len(cfg.Listeners))
	clusters := make(map[string]*endpoint, len(cfg.Clusters))
	fail := func(err error) (map[string]*endpoint, map[string]*endpoint, error) {
		closeEndpoints(listeners)
		closeEndpoints(clusters)
		return nil, nil, err
	}

	for i := range cfg.Listeners {
		l := &cfg.Listeners[i]
		ctx, err := tlspkg.NewServerContextConfig(&l.TLSContext, a.manager, a.contextOptions("listener", l.Name)...)
		if err != nil {
			return fail(fmt.Errorf("listener %s: %w", l.Name, err))
		}
		listeners[l.Name] = newEndpoint(ctx, a.logger)
	}

	for i := range cfg.Clusters {
		c := &cfg.Clusters[i]
		ctx, err := tlspkg.NewClientContextConfig(&c.TLSContext, c.SignatureAlgorithms, a.manager,
			a.contextOptions("cluster", c.Name)...)
		if err != nil {
			return fail(fmt.Errorf("cluster %s: %w", c.Name, err))
		}
		clusters[c.Name] = newEndpoint(ctx, a.logger)
	}

	return listeners, clusters, nil
}

func (a *application) contextOptions(kind, name string) []tlspkg.Option {
	return []tlspkg.Option{
		tlspkg.WithName(kind + "/" + name),
		tlspkg.WithLogger(a.logger.Named("tls").With(observability.String(kind, name))),
		tlspkg.WithMetrics(a.tlsMetrics),
	}
}

// swapEndpoints installs new endpoint sets and closes the previous ones.
func (a *application) swapEndpoints(listeners, clusters map[string]*endpoint) {
	a.mu.Lock()
	oldListeners, oldClusters := a.listeners, a.clusters
	a.listeners, a.clusters = listeners, clusters
	a.mu.Unlock()

	closeEndpoints(oldListeners)
	closeEndpoints(oldClusters)
}

// listener returns the endpoint of the named listener.
func (a *application) listener(name string) (*endpoint, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.listeners[name]
	return e, ok
}

// cluster returns the endpoint of the named cluster.
func (a *application) cluster(name string) (*endpoint, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.clusters[name]
	return e, ok
}

// statuses returns the status of every endpoint ordered by name.
func (a *application) statuses() []endpointStatus {
	a.mu.RLock()
	out := make([]endpointStatus, 0, len(a.listeners)+len(a.clusters))
	for _, e := range a.listeners {
		out = append(out, e.status())
	}
	for _, e := range a.clusters {
		out = append(out, e.status())
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ready reports whether every endpoint has received its secrets.
func (a *application) ready() bool {
	for _, s := range a.statuses() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// close releases every context and stops secret delivery.
func (a *application) close() {
	a.swapEndpoints(map[string]*endpoint{}, map[string]*endpoint{})
	a.dispatcher.Stop()
}

func closeEndpoints(endpoints map[string]*endpoint) {
	for _, e := range endpoints {
		e.close()
	}
}
