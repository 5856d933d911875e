package secret

import (
	"fmt"
	"sync"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
)

// EventType describes a change in the set of dynamic providers.
type EventType int

// Provider events.
const (
	ProviderCreated EventType = iota
	ProviderReleased
)

// Event is delivered to subscribers when a dynamic provider is created or
// its last reference is released.
type Event struct {
	Type       EventType
	SecretType Type
	Key        Key
	Source     config.ConfigSource
}

// Subscriber receives provider events. It is called without the manager lock held.
type Subscriber func(Event)

// Releasable is a provider that can be returned to the Manager.
type Releasable interface {
	Kind() Kind
	SecretType() Type
	Key() Key
}

type entry[T any] struct {
	provider *Provider[T]
	source   config.ConfigSource
	refs     int
}

// Manager is the process-wide registry of secret providers. Static providers
// are registered by name. Dynamic providers are keyed by (config source,
// name), created on first request and removed when the last reference is
// released.
type Manager struct {
	logger  observability.Logger
	metrics Recorder

	mu          sync.Mutex
	staticCerts map[string]*CertificateProvider
	staticVCs   map[string]*ValidationContextProvider
	certs       map[Key]*entry[*config.TLSCertificate]
	vcs         map[Key]*entry[*config.CertificateValidationContext]
	subscribers []Subscriber
}

// ManagerOption is a functional option for configuring the Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics recorder for the manager and its providers.
func WithMetrics(metrics Recorder) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates an empty Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:      observability.NopLogger(),
		metrics:     NopMetrics{},
		staticCerts: make(map[string]*CertificateProvider),
		staticVCs:   make(map[string]*ValidationContextProvider),
		certs:       make(map[Key]*entry[*config.TLSCertificate]),
		vcs:         make(map[Key]*entry[*config.CertificateValidationContext]),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddStaticSecret registers a named static secret.
func (m *Manager) AddStaticSecret(res *config.SecretResource) error {
	if err := res.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addStatic(m.staticCerts, m.staticVCs, res)
}

// ReplaceStaticSecrets atomically replaces every static secret. Providers
// already handed out keep their values.
func (m *Manager) ReplaceStaticSecrets(resources []config.SecretResource) error {
	certs := make(map[string]*CertificateProvider)
	vcs := make(map[string]*ValidationContextProvider)
	for i := range resources {
		if err := resources[i].Validate(); err != nil {
			return err
		}
		if err := m.addStatic(certs, vcs, &resources[i]); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.staticCerts = certs
	m.staticVCs = vcs
	m.mu.Unlock()

	m.logger.Debug("static secrets replaced", observability.Int("count", len(resources)))
	return nil
}

func (m *Manager) addStatic(
	certs map[string]*CertificateProvider,
	vcs map[string]*ValidationContextProvider,
	res *config.SecretResource,
) error {
	switch {
	case res.TLSCertificate != nil:
		if _, ok := certs[res.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateStaticSecret, res.Name)
		}
		certs[res.Name] = NewStaticProvider(TypeTLSCertificate, res.Name, res.TLSCertificate)
	case res.ValidationContext != nil:
		if _, ok := vcs[res.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateStaticSecret, res.Name)
		}
		vcs[res.Name] = NewStaticProvider(TypeValidationContext, res.Name, res.ValidationContext)
	}
	return nil
}

// FindStaticCertificateProvider returns the static certificate provider registered under name.
func (m *Manager) FindStaticCertificateProvider(name string) (*CertificateProvider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.staticCerts[name]
	return p, ok
}

// FindStaticValidationContextProvider returns the static validation context provider registered under name.
func (m *Manager) FindStaticValidationContextProvider(name string) (*ValidationContextProvider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.staticVCs[name]
	return p, ok
}

// FindOrCreateCertificateProvider returns the dynamic certificate provider for
// (source, name), creating it on first use. Each call takes a reference that
// must be returned with Release.
func (m *Manager) FindOrCreateCertificateProvider(source *config.ConfigSource, name string) (*CertificateProvider, error) {
	return findOrCreate(m, m.certs, TypeTLSCertificate, source, name)
}

// FindOrCreateValidationContextProvider returns the dynamic validation context
// provider for (source, name), creating it on first use. Each call takes a
// reference that must be returned with Release.
func (m *Manager) FindOrCreateValidationContextProvider(
	source *config.ConfigSource,
	name string,
) (*ValidationContextProvider, error) {
	return findOrCreate(m, m.vcs, TypeValidationContext, source, name)
}

func findOrCreate[T any](
	m *Manager,
	registry map[Key]*entry[T],
	secretType Type,
	source *config.ConfigSource,
	name string,
) (*Provider[T], error) {
	if source == nil {
		return nil, fmt.Errorf("%w: missing sds_config for %s", ErrInvalidSource, name)
	}
	if err := source.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}
	key := Key{Source: source.Key(), Name: name}

	m.mu.Lock()
	e, ok := registry[key]
	if ok {
		e.refs++
		m.mu.Unlock()
		return e.provider, nil
	}
	e = &entry[T]{
		provider: NewDynamicProvider[T](secretType, key, m.metrics),
		source:   *source,
		refs:     1,
	}
	registry[key] = e
	count := len(registry)
	subscribers := append([]Subscriber(nil), m.subscribers...)
	m.mu.Unlock()

	m.metrics.SetProviders(secretType, count)
	m.logger.Debug("dynamic secret provider created",
		observability.Source(key.Source),
		observability.SecretName(name),
		observability.String("type", string(secretType)),
	)

	ev := Event{Type: ProviderCreated, SecretType: secretType, Key: key, Source: *source}
	for _, s := range subscribers {
		s(ev)
	}
	return e.provider, nil
}

// Release returns a reference taken by FindOrCreate*. Releasing a static
// provider is a no-op. When the last reference is released the provider is
// closed and removed.
func (m *Manager) Release(p Releasable) {
	if p == nil || p.Kind() != KindDynamic {
		return
	}
	switch p.SecretType() {
	case TypeTLSCertificate:
		release(m, m.certs, p)
	case TypeValidationContext:
		release(m, m.vcs, p)
	}
}

func release[T any](m *Manager, registry map[Key]*entry[T], p Releasable) {
	key := p.Key()
	m.mu.Lock()
	e, ok := registry[key]
	// A stale provider from a released generation no longer owns the key.
	if !ok || Releasable(e.provider) != p {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(registry, key)
	count := len(registry)
	subscribers := append([]Subscriber(nil), m.subscribers...)
	m.mu.Unlock()

	e.provider.close()
	secretType := e.provider.SecretType()
	m.metrics.SetProviders(secretType, count)
	m.logger.Debug("dynamic secret provider released",
		observability.Source(key.Source),
		observability.SecretName(key.Name),
	)

	ev := Event{Type: ProviderReleased, SecretType: secretType, Key: key, Source: e.source}
	for _, s := range subscribers {
		s(ev)
	}
}

// LookupCertificateProvider returns the live dynamic certificate provider for key.
func (m *Manager) LookupCertificateProvider(key Key) (*CertificateProvider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.certs[key]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// LookupValidationContextProvider returns the live dynamic validation context provider for key.
func (m *Manager) LookupValidationContextProvider(key Key) (*ValidationContextProvider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.vcs[key]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// RefCount returns the number of references held on the dynamic provider for key.
func (m *Manager) RefCount(secretType Type, key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch secretType {
	case TypeTLSCertificate:
		if e, ok := m.certs[key]; ok {
			return e.refs
		}
	case TypeValidationContext:
		if e, ok := m.vcs[key]; ok {
			return e.refs
		}
	}
	return 0
}

// Subscribe registers s for provider events and replays a ProviderCreated
// event for every live dynamic provider.
func (m *Manager) Subscribe(s Subscriber) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, s)
	var replay []Event
	for key, e := range m.certs {
		replay = append(replay, Event{Type: ProviderCreated, SecretType: TypeTLSCertificate, Key: key, Source: e.source})
	}
	for key, e := range m.vcs {
		replay = append(replay, Event{Type: ProviderCreated, SecretType: TypeValidationContext, Key: key, Source: e.source})
	}
	m.mu.Unlock()

	for _, ev := range replay {
		s(ev)
	}
}
