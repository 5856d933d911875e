package tls

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/secret"
)

// Role is the side of the connection a context configures.
type Role string

// Context roles.
const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// roleDefaults are the protocol parameters a role falls back to.
type roleDefaults struct {
	minVersion   uint16
	maxVersion   uint16
	cipherSuites string
	curves       string
}

// Option is a functional option for context configurations.
type Option func(*ContextConfig)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *ContextConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(c *ContextConfig) {
		c.metrics = metrics
	}
}

// WithName sets the name used in logs and metric labels. Defaults to the context ID.
func WithName(name string) Option {
	return func(c *ContextConfig) {
		c.name = name
	}
}

// ContextConfig is the role-independent part of a TLS context
// configuration. It resolves certificate and validation-context providers,
// keeps the derived configs current as dynamic secrets rotate, and notifies
// its owner after every effective change.
//
// Derived state is replaced wholesale under a lock, so readers never see a
// partially updated configuration.
type ContextConfig struct {
	id      string
	name    string
	role    Role
	logger  observability.Logger
	metrics MetricsRecorder
	manager *secret.Manager

	alpnProtocols []string
	cipherSuites  string
	ecdhCurves    string
	minVersion    uint16
	maxVersion    uint16

	certProviders []*secret.CertificateProvider
	vcProvider    *secret.ValidationContextProvider
	defaultVC     *config.CertificateValidationContext

	mu          sync.RWMutex
	certConfigs []*TLSCertificateConfig
	vcConfig    *CertificateValidationContextConfig
	// Provider values the derived configs were last built from.
	certSource *config.TLSCertificate
	vcSource   *config.CertificateValidationContext

	// updateMu serializes rebuilds from provider callbacks and catch-up.
	updateMu sync.Mutex

	handlesMu          sync.Mutex
	certUpdateHandle   *secret.Handle
	vcUpdateHandle     *secret.Handle
	vcValidationHandle *secret.Handle
	closed             bool
}

func newContextConfig(
	common *config.CommonTLSContext,
	role Role,
	defaults roleDefaults,
	manager *secret.Manager,
	opts ...Option,
) (c *ContextConfig, err error) {
	c = &ContextConfig{
		id:      uuid.NewString(),
		role:    role,
		logger:  observability.NopLogger(),
		metrics: NewNopMetrics(),
		manager: manager,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.name == "" {
		c.name = c.id
	}
	c.logger = c.logger.With(
		observability.String("context", c.name),
		observability.String("role", string(role)),
	)

	start := time.Now()
	built := c
	defer func() {
		if err != nil {
			built.Close()
			built.metrics.RecordBuild(role, false)
			c = nil
			return
		}
		built.metrics.RecordBuild(role, true)
	}()

	if common == nil {
		common = &config.CommonTLSContext{}
	}
	if err := common.Validate(); err != nil {
		return c, NewConfigurationErrorWithCause("common_tls_context", "invalid TLS context", err)
	}

	c.alpnProtocols = slices.Clone(common.ALPNProtocols)
	c.cipherSuites = resolveCipherString(common.TLSParams.CipherSuites, defaults.cipherSuites)
	c.ecdhCurves = resolveCipherString(common.TLSParams.ECDHCurves, defaults.curves)

	c.minVersion, err = tlsVersionFromProto(common.TLSParams.TLSMinimumProtocolVersion, defaults.minVersion)
	if err != nil {
		return c, NewConfigurationErrorWithCause("tls_params.tls_minimum_protocol_version", "unsupported protocol version", err)
	}
	c.maxVersion, err = tlsVersionFromProto(common.TLSParams.TLSMaximumProtocolVersion, defaults.maxVersion)
	if err != nil {
		return c, NewConfigurationErrorWithCause("tls_params.tls_maximum_protocol_version", "unsupported protocol version", err)
	}

	if err := c.resolveCertificateProviders(common); err != nil {
		return c, err
	}
	if err := c.resolveValidationContextProvider(common); err != nil {
		return c, err
	}
	c.registerValidationHook()

	if err := c.loadInitial(); err != nil {
		return c, err
	}

	c.logger.Debug("TLS context configuration built",
		observability.String("id", c.id),
		observability.Int("certificates", len(c.certConfigs)),
		observability.Bool("validation_context", c.vcConfig != nil),
		observability.Duration("elapsed", time.Since(start)),
	)
	return c, nil
}

func (c *ContextConfig) resolveCertificateProviders(common *config.CommonTLSContext) error {
	if len(common.TLSCertificates) > 0 {
		for i := range common.TLSCertificates {
			cert := common.TLSCertificates[i]
			if !cert.HasMaterial() {
				continue
			}
			c.certProviders = append(c.certProviders,
				secret.NewStaticProvider(secret.TypeTLSCertificate, "", &cert))
		}
		return nil
	}
	if len(common.TLSCertificateSdsSecretConfigs) == 0 {
		return nil
	}

	if c.manager == nil {
		return NewConfigurationError("tls_certificate_sds_secret_configs", "secret references require a secret manager")
	}
	sds := &common.TLSCertificateSdsSecretConfigs[0]
	if sds.IsDynamic() {
		p, err := c.manager.FindOrCreateCertificateProvider(sds.SdsConfig, sds.Name)
		if err != nil {
			return NewConfigurationErrorWithCause("tls_certificate_sds_secret_configs", "failed to resolve secret provider", err)
		}
		c.certProviders = append(c.certProviders, p)
		return nil
	}

	p, ok := c.manager.FindStaticCertificateProvider(sds.Name)
	if !ok {
		return NewConfigurationErrorWithCause("tls_certificate_sds_secret_configs",
			fmt.Sprintf("unknown static secret: %s", sds.Name), secret.ErrUnknownStaticSecret)
	}
	c.certProviders = append(c.certProviders, p)
	return nil
}

func (c *ContextConfig) resolveValidationContextProvider(common *config.CommonTLSContext) error {
	switch common.ValidationContextType() {
	case config.ValidationContextDirect:
		c.vcProvider = secret.NewStaticProvider(secret.TypeValidationContext, "",
			cloneValidationContext(common.ValidationContext))
		return nil
	case config.ValidationContextSds:
		p, err := c.lookupValidationContextProvider(common.ValidationContextSdsSecretConfig)
		c.vcProvider = p
		return err
	case config.ValidationContextCombined:
		combined := common.CombinedValidationContext
		c.defaultVC = cloneValidationContext(&combined.DefaultValidationContext)
		p, err := c.lookupValidationContextProvider(&combined.ValidationContextSdsSecretConfig)
		c.vcProvider = p
		return err
	default:
		return nil
	}
}

func (c *ContextConfig) lookupValidationContextProvider(sds *config.SdsSecretConfig) (*secret.ValidationContextProvider, error) {
	if c.manager == nil {
		return nil, NewConfigurationError("validation_context_sds_secret_config", "secret references require a secret manager")
	}
	if sds.IsDynamic() {
		p, err := c.manager.FindOrCreateValidationContextProvider(sds.SdsConfig, sds.Name)
		if err != nil {
			return nil, NewConfigurationErrorWithCause("validation_context_sds_secret_config",
				"failed to resolve secret provider", err)
		}
		return p, nil
	}
	p, ok := c.manager.FindStaticValidationContextProvider(sds.Name)
	if !ok {
		return nil, NewConfigurationErrorWithCause("validation_context_sds_secret_config",
			fmt.Sprintf("unknown static certificate validation context: %s", sds.Name), secret.ErrUnknownStaticSecret)
	}
	return p, nil
}

// registerValidationHook rejects dynamic updates whose combination with the
// recorded default would not form a consistent validation context.
func (c *ContextConfig) registerValidationHook() {
	if c.vcProvider == nil || c.vcProvider.Kind() != secret.KindDynamic || c.defaultVC == nil {
		return
	}
	def := c.defaultVC
	handle := c.vcProvider.OnValidate(func(dyn *config.CertificateValidationContext) error {
		_, err := NewCertificateValidationContextConfig(MergeValidationContext(def, dyn))
		return err
	})

	c.handlesMu.Lock()
	c.vcValidationHandle = handle
	c.handlesMu.Unlock()
}

func (c *ContextConfig) loadInitial() error {
	certs := make([]*TLSCertificateConfig, 0, len(c.certProviders))
	var certSource *config.TLSCertificate
	for i, p := range c.certProviders {
		value, ok := p.Current()
		if !ok || value == nil {
			continue
		}
		cfg, err := NewTLSCertificateConfig(value)
		if err != nil {
			return err
		}
		certs = append(certs, cfg)
		if i == 0 {
			certSource = value
		}
	}

	var vc *CertificateValidationContextConfig
	var vcSource *config.CertificateValidationContext
	if c.vcProvider != nil {
		if value, ok := c.vcProvider.Current(); ok && value != nil {
			built, err := c.buildValidationContext(value)
			if err != nil {
				return err
			}
			vc, vcSource = built, value
		}
	}

	c.mu.Lock()
	c.certConfigs = certs
	c.vcConfig = vc
	c.certSource = certSource
	c.vcSource = vcSource
	c.mu.Unlock()

	for _, cfg := range certs {
		c.recordExpiry(cfg)
	}
	return nil
}

// buildValidationContext wraps value directly, or merges it over the
// recorded default when one exists.
func (c *ContextConfig) buildValidationContext(value *config.CertificateValidationContext) (*CertificateValidationContextConfig, error) {
	if c.defaultVC != nil {
		return NewCertificateValidationContextConfig(MergeValidationContext(c.defaultVC, value))
	}
	return NewCertificateValidationContextConfig(value)
}

// SetSecretUpdateCallback registers notify to run after every effective
// change of the certificate or validation-context configs. A later call
// replaces the earlier registration. Only the first certificate provider is
// tracked for updates.
//
// A value delivered between construction and registration is picked up
// here, and notify runs for it before SetSecretUpdateCallback returns.
func (c *ContextConfig) SetSecretUpdateCallback(notify func()) {
	c.handlesMu.Lock()
	if c.closed {
		c.handlesMu.Unlock()
		return
	}
	var provider *secret.CertificateProvider
	if len(c.certProviders) > 0 {
		c.certUpdateHandle.Remove()
		provider = c.certProviders[0]
		c.certUpdateHandle = provider.OnUpdate(func() {
			c.onCertificateUpdate(provider, notify)
		})
	}
	if c.vcProvider != nil {
		c.vcUpdateHandle.Remove()
		c.vcUpdateHandle = c.vcProvider.OnUpdate(func() {
			c.onValidationContextUpdate(notify)
		})
	}
	c.handlesMu.Unlock()

	if provider != nil {
		c.onCertificateUpdate(provider, notify)
	}
	if c.vcProvider != nil {
		c.onValidationContextUpdate(notify)
	}
}

// onCertificateUpdate rebuilds the certificate configs from the provider's
// current value. A value already built from is not an effective change.
func (c *ContextConfig) onCertificateUpdate(provider *secret.CertificateProvider, notify func()) {
	c.updateMu.Lock()
	value, ok := provider.Current()
	c.mu.RLock()
	seen := value == c.certSource
	c.mu.RUnlock()
	if !ok || value == nil || seen {
		c.updateMu.Unlock()
		return
	}
	cfg, err := NewTLSCertificateConfig(value)
	if err != nil {
		c.updateMu.Unlock()
		c.logger.Error("failed to rebuild certificate config, keeping previous",
			observability.Error(err),
			observability.String("provider", provider.Key().String()),
		)
		c.metrics.RecordUpdate(c.role, SecretCertificate, false)
		return
	}

	c.mu.Lock()
	c.certConfigs = []*TLSCertificateConfig{cfg}
	c.certSource = value
	c.mu.Unlock()
	c.updateMu.Unlock()

	c.recordExpiry(cfg)
	c.metrics.RecordUpdate(c.role, SecretCertificate, true)
	c.logger.Info("certificate config updated",
		observability.String("provider", provider.Key().String()),
	)
	notify()
}

func (c *ContextConfig) onValidationContextUpdate(notify func()) {
	c.updateMu.Lock()
	value, ok := c.vcProvider.Current()
	c.mu.RLock()
	seen := value == c.vcSource
	c.mu.RUnlock()
	if !ok || value == nil || seen {
		c.updateMu.Unlock()
		return
	}
	vc, err := c.buildValidationContext(value)
	if err != nil {
		c.updateMu.Unlock()
		c.logger.Error("failed to rebuild validation context config, keeping previous",
			observability.Error(err),
			observability.String("provider", c.vcProvider.Key().String()),
		)
		c.metrics.RecordUpdate(c.role, SecretValidationContext, false)
		return
	}

	c.mu.Lock()
	c.vcConfig = vc
	c.vcSource = value
	c.mu.Unlock()
	c.updateMu.Unlock()

	c.metrics.RecordUpdate(c.role, SecretValidationContext, true)
	c.logger.Info("validation context config updated",
		observability.String("provider", c.vcProvider.Key().String()),
		observability.Bool("combined", c.defaultVC != nil),
	)
	notify()
}

func (c *ContextConfig) recordExpiry(cfg *TLSCertificateConfig) {
	leaf, err := cfg.Leaf()
	if err != nil {
		return
	}
	c.metrics.UpdateCertificateExpiry(c.name, leaf)
}

// Close deregisters every callback and then releases provider references.
// It is idempotent.
func (c *ContextConfig) Close() {
	c.handlesMu.Lock()
	if c.closed {
		c.handlesMu.Unlock()
		return
	}
	c.closed = true
	c.certUpdateHandle.Remove()
	c.vcUpdateHandle.Remove()
	c.vcValidationHandle.Remove()
	c.certUpdateHandle, c.vcUpdateHandle, c.vcValidationHandle = nil, nil, nil
	c.handlesMu.Unlock()

	if c.manager == nil {
		return
	}
	for _, p := range c.certProviders {
		c.manager.Release(p)
	}
	if c.vcProvider != nil {
		c.manager.Release(c.vcProvider)
	}
}

// ID returns the unique ID of this configuration.
func (c *ContextConfig) ID() string { return c.id }

// Name returns the configured name, or the ID.
func (c *ContextConfig) Name() string { return c.name }

// Role returns the role of this configuration.
func (c *ContextConfig) Role() Role { return c.role }

// ALPNProtocols returns the ALPN protocols joined with ','.
func (c *ContextConfig) ALPNProtocols() string {
	return strings.Join(c.alpnProtocols, ",")
}

// ALPNProtocolList returns a copy of the ALPN protocol list.
func (c *ContextConfig) ALPNProtocolList() []string {
	return slices.Clone(c.alpnProtocols)
}

// CipherSuites returns the resolved cipher string.
func (c *ContextConfig) CipherSuites() string { return c.cipherSuites }

// ECDHCurves returns the resolved curve string.
func (c *ContextConfig) ECDHCurves() string { return c.ecdhCurves }

// MinProtocolVersion returns the minimum protocol version as a crypto/tls constant.
func (c *ContextConfig) MinProtocolVersion() uint16 { return c.minVersion }

// MaxProtocolVersion returns the maximum protocol version as a crypto/tls constant.
func (c *ContextConfig) MaxProtocolVersion() uint16 { return c.maxVersion }

// TLSCertificates returns the current certificate configs.
func (c *ContextConfig) TLSCertificates() []*TLSCertificateConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.certConfigs)
}

// CertificateValidationContext returns the current validation context
// config, or nil when none is configured or delivered yet.
func (c *ContextConfig) CertificateValidationContext() *CertificateValidationContextConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vcConfig
}

// snapshot returns certificate and validation-context configs read together.
func (c *ContextConfig) snapshot() ([]*TLSCertificateConfig, *CertificateValidationContextConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.certConfigs), c.vcConfig
}

// IsReady reports whether a config has been built for every resolved provider.
func (c *ContextConfig) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.certProviders) > 0 && len(c.certConfigs) == 0 {
		return false
	}
	return c.vcProvider == nil || c.vcConfig != nil
}
