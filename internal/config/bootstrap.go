package config

import (
	"fmt"
	"time"
)

// Default discovery settings.
const (
	DefaultDebounce     = 100 * time.Millisecond
	DefaultPollInterval = 30 * time.Second
	DefaultVaultMount   = "secret"
)

// Bootstrap is the top-level avatls configuration.
type Bootstrap struct {
	StaticSecrets []SecretResource `yaml:"static_secrets,omitempty"`
	Discovery     DiscoveryConfig  `yaml:"discovery,omitempty"`
	Listeners     []Listener       `yaml:"listeners,omitempty"`
	Clusters      []Cluster        `yaml:"clusters,omitempty"`
}

// Listener is a named server-side TLS endpoint.
type Listener struct {
	Name       string               `yaml:"name"`
	TLSContext DownstreamTLSContext `yaml:"tls_context"`
}

// Cluster is a named client-side TLS endpoint.
type Cluster struct {
	Name                string             `yaml:"name"`
	TLSContext          UpstreamTLSContext `yaml:"tls_context"`
	SignatureAlgorithms string             `yaml:"signature_algorithms,omitempty"`
}

// DiscoveryConfig enables the secret discovery channels.
type DiscoveryConfig struct {
	File       FileDiscovery       `yaml:"file,omitempty"`
	Vault      VaultDiscovery      `yaml:"vault,omitempty"`
	Kubernetes KubernetesDiscovery `yaml:"kubernetes,omitempty"`
	SPIFFE     SPIFFEDiscovery     `yaml:"spiffe,omitempty"`
}

// FileDiscovery configures the file channel.
type FileDiscovery struct {
	Enabled  bool     `yaml:"enabled"`
	Debounce Duration `yaml:"debounce,omitempty"`
}

// VaultDiscovery configures the Vault KV channel.
type VaultDiscovery struct {
	Enabled      bool     `yaml:"enabled"`
	Address      string   `yaml:"address,omitempty"`
	Token        string   `yaml:"token,omitempty"`
	Namespace    string   `yaml:"namespace,omitempty"`
	PollInterval Duration `yaml:"poll_interval,omitempty"`
}

// KubernetesDiscovery configures the Kubernetes Secret channel.
type KubernetesDiscovery struct {
	Enabled      bool     `yaml:"enabled"`
	PollInterval Duration `yaml:"poll_interval,omitempty"`
}

// SPIFFEDiscovery configures the SPIFFE Workload API channel.
type SPIFFEDiscovery struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path,omitempty"`
}

// ApplyDefaults fills unset discovery settings.
func (b *Bootstrap) ApplyDefaults() {
	if b.Discovery.File.Debounce == 0 {
		b.Discovery.File.Debounce = Duration(DefaultDebounce)
	}
	if b.Discovery.Vault.PollInterval == 0 {
		b.Discovery.Vault.PollInterval = Duration(DefaultPollInterval)
	}
	if b.Discovery.Kubernetes.PollInterval == 0 {
		b.Discovery.Kubernetes.PollInterval = Duration(DefaultPollInterval)
	}
}

// sourceEnabled reports whether the channel for kind is enabled.
func (d *DiscoveryConfig) sourceEnabled(kind SourceKind) bool {
	switch kind {
	case SourceKindFile:
		return d.File.Enabled
	case SourceKindVault:
		return d.Vault.Enabled
	case SourceKindKubernetes:
		return d.Kubernetes.Enabled
	case SourceKindSPIFFE:
		return d.SPIFFE.Enabled
	}
	return false
}

// ValidateBootstrap validates a bootstrap configuration.
func ValidateBootstrap(b *Bootstrap) error {
	var errs ValidationErrors
	if b == nil {
		return ValidationErrors{{Message: "configuration is nil"}}
	}

	secrets := make(map[string]bool, len(b.StaticSecrets))
	for i := range b.StaticSecrets {
		s := &b.StaticSecrets[i]
		path := fmt.Sprintf("static_secrets[%d]", i)
		errs.add(path, s.Validate())
		if s.Name != "" && secrets[s.Name] {
			errs.add(path, &ValidationError{Path: "name", Message: fmt.Sprintf("duplicate static secret %q", s.Name)})
		}
		secrets[s.Name] = true
	}

	listeners := make(map[string]bool, len(b.Listeners))
	for i := range b.Listeners {
		l := &b.Listeners[i]
		path := fmt.Sprintf("listeners[%d]", i)
		if l.Name == "" {
			errs.add(path, &ValidationError{Path: "name", Message: "is required"})
		} else if listeners[l.Name] {
			errs.add(path, &ValidationError{Path: "name", Message: fmt.Sprintf("duplicate listener %q", l.Name)})
		}
		listeners[l.Name] = true
		errs.add(path+".tls_context", l.TLSContext.Validate())
		for _, src := range referencedSources(&l.TLSContext.CommonTLSContext) {
			if !b.Discovery.sourceEnabled(src.Kind()) {
				errs.add(path, &ValidationError{Message: fmt.Sprintf("discovery channel %q is not enabled", src.Kind())})
			}
		}
	}

	clusters := make(map[string]bool, len(b.Clusters))
	for i := range b.Clusters {
		c := &b.Clusters[i]
		path := fmt.Sprintf("clusters[%d]", i)
		if c.Name == "" {
			errs.add(path, &ValidationError{Path: "name", Message: "is required"})
		} else if clusters[c.Name] {
			errs.add(path, &ValidationError{Path: "name", Message: fmt.Sprintf("duplicate cluster %q", c.Name)})
		}
		clusters[c.Name] = true
		errs.add(path+".tls_context", c.TLSContext.Validate())
		for _, src := range referencedSources(&c.TLSContext.CommonTLSContext) {
			if !b.Discovery.sourceEnabled(src.Kind()) {
				errs.add(path, &ValidationError{Message: fmt.Sprintf("discovery channel %q is not enabled", src.Kind())})
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// referencedSources returns every discovery source referenced by the context.
func referencedSources(c *CommonTLSContext) []*ConfigSource {
	var out []*ConfigSource
	for i := range c.TLSCertificateSdsSecretConfigs {
		if src := c.TLSCertificateSdsSecretConfigs[i].SdsConfig; src != nil {
			out = append(out, src)
		}
	}
	if c.ValidationContextSdsSecretConfig != nil && c.ValidationContextSdsSecretConfig.SdsConfig != nil {
		out = append(out, c.ValidationContextSdsSecretConfig.SdsConfig)
	}
	if c.CombinedValidationContext != nil && c.CombinedValidationContext.ValidationContextSdsSecretConfig.SdsConfig != nil {
		out = append(out, c.CombinedValidationContext.ValidationContextSdsSecretConfig.SdsConfig)
	}
	return out
}
