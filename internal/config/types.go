package config

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// InlineTarget is the name reported for data sources that carry their content inline.
const InlineTarget = "<inline>"

// Bytes is a byte slice encoded as base64 in configuration files.
type Bytes []byte

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Bytes) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid base64 inline_bytes: %w", err)
	}
	*b = decoded
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b Bytes) MarshalYAML() (interface{}, error) {
	return base64.StdEncoding.EncodeToString(b), nil
}

// DataSource is a oneof of a local file, inline bytes or an inline string.
type DataSource struct {
	Filename     string `yaml:"filename,omitempty" json:"filename,omitempty"`
	InlineBytes  Bytes  `yaml:"inline_bytes,omitempty" json:"inline_bytes,omitempty"`
	InlineString string `yaml:"inline_string,omitempty" json:"inline_string,omitempty"`
}

// IsSet reports whether any variant of the data source is populated.
func (d *DataSource) IsSet() bool {
	return d != nil && (d.Filename != "" || len(d.InlineBytes) > 0 || d.InlineString != "")
}

// Target returns the file name, or InlineTarget for inline content.
func (d *DataSource) Target() string {
	if d == nil {
		return ""
	}
	if d.Filename != "" {
		return d.Filename
	}
	if len(d.InlineBytes) > 0 || d.InlineString != "" {
		return InlineTarget
	}
	return ""
}

// Validate checks that at most one variant is set.
func (d *DataSource) Validate() error {
	if d == nil {
		return nil
	}
	n := 0
	if d.Filename != "" {
		n++
	}
	if len(d.InlineBytes) > 0 {
		n++
	}
	if d.InlineString != "" {
		n++
	}
	if n > 1 {
		return &ValidationError{Message: "data source must set only one of filename, inline_bytes, inline_string"}
	}
	return nil
}

// TLSCertificate is a certificate chain and private key, plus optional password and OCSP staple.
type TLSCertificate struct {
	CertificateChain *DataSource `yaml:"certificate_chain,omitempty" json:"certificate_chain,omitempty"`
	PrivateKey       *DataSource `yaml:"private_key,omitempty" json:"private_key,omitempty"`
	Password         *DataSource `yaml:"password,omitempty" json:"password,omitempty"`
	OCSPStaple       *DataSource `yaml:"ocsp_staple,omitempty" json:"ocsp_staple,omitempty"`
}

// HasMaterial reports whether a chain or a key is configured.
func (c *TLSCertificate) HasMaterial() bool {
	return c != nil && (c.CertificateChain.IsSet() || c.PrivateKey.IsSet())
}

// StringMatcher matches a string by exactly one of its match variants.
type StringMatcher struct {
	Exact      string `yaml:"exact,omitempty" json:"exact,omitempty"`
	Prefix     string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Suffix     string `yaml:"suffix,omitempty" json:"suffix,omitempty"`
	Contains   string `yaml:"contains,omitempty" json:"contains,omitempty"`
	Regex      string `yaml:"regex,omitempty" json:"regex,omitempty"`
	IgnoreCase bool   `yaml:"ignore_case,omitempty" json:"ignore_case,omitempty"`
}

// Validate checks that exactly one variant is set and that a regex compiles.
func (m *StringMatcher) Validate() error {
	n := 0
	for _, v := range []string{m.Exact, m.Prefix, m.Suffix, m.Contains, m.Regex} {
		if v != "" {
			n++
		}
	}
	if n != 1 {
		return &ValidationError{Message: "string matcher must set exactly one of exact, prefix, suffix, contains, regex"}
	}
	if m.Regex != "" {
		if _, err := compileMatcherRegex(m.Regex, m.IgnoreCase); err != nil {
			return &ValidationError{Message: fmt.Sprintf("invalid regex %q: %v", m.Regex, err)}
		}
	}
	return nil
}

type regexKey struct {
	pattern    string
	ignoreCase bool
}

// matcherRegexps caches compiled matcher patterns. Patterns come from
// configuration, so the set is bounded.
var matcherRegexps sync.Map // regexKey -> *regexp.Regexp

func compileMatcherRegex(pattern string, ignoreCase bool) (*regexp.Regexp, error) {
	key := regexKey{pattern: pattern, ignoreCase: ignoreCase}
	if re, ok := matcherRegexps.Load(key); ok {
		return re.(*regexp.Regexp), nil
	}
	expr := pattern
	if ignoreCase {
		expr = "(?i)" + pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	actual, _ := matcherRegexps.LoadOrStore(key, re)
	return actual.(*regexp.Regexp), nil
}

// Match reports whether value satisfies the matcher.
func (m *StringMatcher) Match(value string) bool {
	cmp := func(s string) string { return s }
	if m.IgnoreCase {
		cmp = strings.ToLower
	}
	switch {
	case m.Exact != "":
		return cmp(value) == cmp(m.Exact)
	case m.Prefix != "":
		return strings.HasPrefix(cmp(value), cmp(m.Prefix))
	case m.Suffix != "":
		return strings.HasSuffix(cmp(value), cmp(m.Suffix))
	case m.Contains != "":
		return strings.Contains(cmp(value), cmp(m.Contains))
	case m.Regex != "":
		re, err := compileMatcherRegex(m.Regex, m.IgnoreCase)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	}
	return false
}

// String returns a short description of the matcher for logs.
func (m StringMatcher) String() string {
	switch {
	case m.Exact != "":
		return "exact:" + m.Exact
	case m.Prefix != "":
		return "prefix:" + m.Prefix
	case m.Suffix != "":
		return "suffix:" + m.Suffix
	case m.Contains != "":
		return "contains:" + m.Contains
	case m.Regex != "":
		return "regex:" + m.Regex
	}
	return "empty"
}

// CertificateValidationContext describes how peer certificates are validated.
// Optional scalars are pointers so that a partial context can leave them unset.
type CertificateValidationContext struct {
	TrustedCA                         *DataSource     `yaml:"trusted_ca,omitempty" json:"trusted_ca,omitempty"`
	VerifyCertificateSPKI             []string        `yaml:"verify_certificate_spki,omitempty" json:"verify_certificate_spki,omitempty"`
	VerifyCertificateHash             []string        `yaml:"verify_certificate_hash,omitempty" json:"verify_certificate_hash,omitempty"`
	VerifySubjectAltName              []string        `yaml:"verify_subject_alt_name,omitempty" json:"verify_subject_alt_name,omitempty"`
	MatchSubjectAltNames              []StringMatcher `yaml:"match_subject_alt_names,omitempty" json:"match_subject_alt_names,omitempty"`
	RequireOCSPStaple                 *bool           `yaml:"require_ocsp_staple,omitempty" json:"require_ocsp_staple,omitempty"`
	RequireSignedCertificateTimestamp *bool           `yaml:"require_signed_certificate_timestamp,omitempty" json:"require_signed_certificate_timestamp,omitempty"`
	CRL                               *DataSource     `yaml:"crl,omitempty" json:"crl,omitempty"`
	AllowExpiredCertificate           *bool           `yaml:"allow_expired_certificate,omitempty" json:"allow_expired_certificate,omitempty"`
}

// SourceKind identifies the discovery channel behind a ConfigSource.
type SourceKind string

// Discovery channel kinds.
const (
	SourceKindNone       SourceKind = ""
	SourceKindFile       SourceKind = "file"
	SourceKindVault      SourceKind = "vault"
	SourceKindKubernetes SourceKind = "kubernetes"
	SourceKindSPIFFE     SourceKind = "spiffe"
)

// VaultSource locates secrets under a Vault KV v2 mount.
type VaultSource struct {
	Mount string `yaml:"mount" json:"mount"`
	Path  string `yaml:"path,omitempty" json:"path,omitempty"`
}

// KubernetesSource locates secrets as Kubernetes Secret objects in a namespace.
type KubernetesSource struct {
	Namespace string `yaml:"namespace" json:"namespace"`
}

// SPIFFESource delivers SVIDs and bundles from the SPIFFE Workload API.
type SPIFFESource struct {
	TrustDomain string `yaml:"trust_domain" json:"trust_domain"`
}

// ConfigSource names the discovery channel that delivers a dynamic secret.
type ConfigSource struct {
	Path       string            `yaml:"path,omitempty" json:"path,omitempty"`
	Vault      *VaultSource      `yaml:"vault,omitempty" json:"vault,omitempty"`
	Kubernetes *KubernetesSource `yaml:"kubernetes,omitempty" json:"kubernetes,omitempty"`
	SPIFFE     *SPIFFESource     `yaml:"spiffe,omitempty" json:"spiffe,omitempty"`
}

// Kind returns the discovery channel kind.
func (s *ConfigSource) Kind() SourceKind {
	switch {
	case s == nil:
		return SourceKindNone
	case s.Path != "":
		return SourceKindFile
	case s.Vault != nil:
		return SourceKindVault
	case s.Kubernetes != nil:
		return SourceKindKubernetes
	case s.SPIFFE != nil:
		return SourceKindSPIFFE
	}
	return SourceKindNone
}

// Key returns the canonical identity of the source. Two sources with the
// same key share dynamic providers.
func (s *ConfigSource) Key() string {
	switch s.Kind() {
	case SourceKindFile:
		return "file:" + s.Path
	case SourceKindVault:
		return "vault:" + strings.Trim(s.Vault.Mount, "/") + "/" + strings.Trim(s.Vault.Path, "/")
	case SourceKindKubernetes:
		return "kubernetes:" + s.Kubernetes.Namespace
	case SourceKindSPIFFE:
		return "spiffe:" + s.SPIFFE.TrustDomain
	}
	return ""
}

// Validate checks that exactly one channel is configured.
func (s *ConfigSource) Validate() error {
	n := 0
	if s.Path != "" {
		n++
	}
	if s.Vault != nil {
		n++
		if s.Vault.Mount == "" {
			return &ValidationError{Path: "vault.mount", Message: "is required"}
		}
	}
	if s.Kubernetes != nil {
		n++
		if s.Kubernetes.Namespace == "" {
			return &ValidationError{Path: "kubernetes.namespace", Message: "is required"}
		}
	}
	if s.SPIFFE != nil {
		n++
		if s.SPIFFE.TrustDomain == "" {
			return &ValidationError{Path: "spiffe.trust_domain", Message: "is required"}
		}
	}
	if n != 1 {
		return &ValidationError{Message: "config source must set exactly one of path, vault, kubernetes, spiffe"}
	}
	return nil
}

// SdsSecretConfig references a secret by name. With SdsConfig set the secret is
// dynamic; without it the name refers to a static secret.
type SdsSecretConfig struct {
	Name      string        `yaml:"name" json:"name"`
	SdsConfig *ConfigSource `yaml:"sds_config,omitempty" json:"sds_config,omitempty"`
}

// IsDynamic reports whether the reference carries a discovery channel.
func (c *SdsSecretConfig) IsDynamic() bool {
	return c != nil && c.SdsConfig != nil
}

// CombinedValidationContext merges a static default with a dynamic fragment.
type CombinedValidationContext struct {
	DefaultValidationContext         CertificateValidationContext `yaml:"default_validation_context" json:"default_validation_context"`
	ValidationContextSdsSecretConfig SdsSecretConfig              `yaml:"validation_context_sds_secret_config" json:"validation_context_sds_secret_config"`
}

// TLSProtocol is a symbolic TLS protocol version.
type TLSProtocol string

// TLS protocol versions.
const (
	TLSAuto TLSProtocol = "TLS_AUTO"
	TLSv1_0 TLSProtocol = "TLSv1_0"
	TLSv1_1 TLSProtocol = "TLSv1_1"
	TLSv1_2 TLSProtocol = "TLSv1_2"
	TLSv1_3 TLSProtocol = "TLSv1_3"
)

// TLSParameters holds protocol version bounds, cipher suites and curves.
type TLSParameters struct {
	TLSMinimumProtocolVersion TLSProtocol `yaml:"tls_minimum_protocol_version,omitempty" json:"tls_minimum_protocol_version,omitempty"`
	TLSMaximumProtocolVersion TLSProtocol `yaml:"tls_maximum_protocol_version,omitempty" json:"tls_maximum_protocol_version,omitempty"`
	CipherSuites              []string    `yaml:"cipher_suites,omitempty" json:"cipher_suites,omitempty"`
	ECDHCurves                []string    `yaml:"ecdh_curves,omitempty" json:"ecdh_curves,omitempty"`
}

// ValidationContextType identifies which validation context variant is set.
type ValidationContextType int

// Validation context variants.
const (
	ValidationContextNone ValidationContextType = iota
	ValidationContextDirect
	ValidationContextSds
	ValidationContextCombined
)

// CommonTLSContext is shared by client and server TLS contexts.
type CommonTLSContext struct {
	TLSParams                        TLSParameters                 `yaml:"tls_params,omitempty" json:"tls_params,omitempty"`
	TLSCertificates                  []TLSCertificate              `yaml:"tls_certificates,omitempty" json:"tls_certificates,omitempty"`
	TLSCertificateSdsSecretConfigs   []SdsSecretConfig             `yaml:"tls_certificate_sds_secret_configs,omitempty" json:"tls_certificate_sds_secret_configs,omitempty"`
	ValidationContext                *CertificateValidationContext `yaml:"validation_context,omitempty" json:"validation_context,omitempty"`
	ValidationContextSdsSecretConfig *SdsSecretConfig              `yaml:"validation_context_sds_secret_config,omitempty" json:"validation_context_sds_secret_config,omitempty"`
	CombinedValidationContext        *CombinedValidationContext    `yaml:"combined_validation_context,omitempty" json:"combined_validation_context,omitempty"`
	ALPNProtocols                    []string                      `yaml:"alpn_protocols,omitempty" json:"alpn_protocols,omitempty"`
}

// ValidationContextType returns the populated validation context variant.
// Call Validate first; with several variants set the first one wins.
func (c *CommonTLSContext) ValidationContextType() ValidationContextType {
	switch {
	case c.ValidationContext != nil:
		return ValidationContextDirect
	case c.ValidationContextSdsSecretConfig != nil:
		return ValidationContextSds
	case c.CombinedValidationContext != nil:
		return ValidationContextCombined
	}
	return ValidationContextNone
}

// CertificateSourceCount returns the number of inline and SDS certificate entries.
func (c *CommonTLSContext) CertificateSourceCount() int {
	return len(c.TLSCertificates) + len(c.TLSCertificateSdsSecretConfigs)
}

// Validate checks oneof constraints and nested messages.
func (c *CommonTLSContext) Validate() error {
	n := 0
	if c.ValidationContext != nil {
		n++
	}
	if c.ValidationContextSdsSecretConfig != nil {
		n++
	}
	if c.CombinedValidationContext != nil {
		n++
	}
	if n > 1 {
		return &ValidationError{
			Path:    "common_tls_context",
			Message: "only one of validation_context, validation_context_sds_secret_config, combined_validation_context may be set",
		}
	}
	for i := range c.TLSCertificateSdsSecretConfigs {
		if err := validateSdsSecretConfig(&c.TLSCertificateSdsSecretConfigs[i]); err != nil {
			return prefixError(fmt.Sprintf("common_tls_context.tls_certificate_sds_secret_configs[%d]", i), err)
		}
	}
	if c.ValidationContextSdsSecretConfig != nil {
		if err := validateSdsSecretConfig(c.ValidationContextSdsSecretConfig); err != nil {
			return prefixError("common_tls_context.validation_context_sds_secret_config", err)
		}
	}
	if c.CombinedValidationContext != nil {
		if err := validateSdsSecretConfig(&c.CombinedValidationContext.ValidationContextSdsSecretConfig); err != nil {
			return prefixError("common_tls_context.combined_validation_context", err)
		}
	}
	if c.ValidationContext != nil {
		if err := c.ValidationContext.Validate(); err != nil {
			return prefixError("common_tls_context.validation_context", err)
		}
	}
	if c.CombinedValidationContext != nil {
		if err := c.CombinedValidationContext.DefaultValidationContext.Validate(); err != nil {
			return prefixError("common_tls_context.combined_validation_context.default_validation_context", err)
		}
	}
	return nil
}

// Validate checks the data sources and matchers of the context.
func (v *CertificateValidationContext) Validate() error {
	if err := v.TrustedCA.Validate(); err != nil {
		return prefixError("trusted_ca", err)
	}
	if err := v.CRL.Validate(); err != nil {
		return prefixError("crl", err)
	}
	for i := range v.MatchSubjectAltNames {
		if err := v.MatchSubjectAltNames[i].Validate(); err != nil {
			return prefixError(fmt.Sprintf("match_subject_alt_names[%d]", i), err)
		}
	}
	return nil
}

func validateSdsSecretConfig(c *SdsSecretConfig) error {
	if c.Name == "" {
		return &ValidationError{Path: "name", Message: "is required"}
	}
	if c.SdsConfig != nil {
		if err := c.SdsConfig.Validate(); err != nil {
			return prefixError("sds_config", err)
		}
	}
	return nil
}

// UpstreamTLSContext configures the client side of a TLS connection.
type UpstreamTLSContext struct {
	CommonTLSContext   CommonTLSContext `yaml:"common_tls_context" json:"common_tls_context"`
	SNI                string           `yaml:"sni,omitempty" json:"sni,omitempty"`
	AllowRenegotiation bool             `yaml:"allow_renegotiation,omitempty" json:"allow_renegotiation,omitempty"`
	MaxSessionKeys     *uint32          `yaml:"max_session_keys,omitempty" json:"max_session_keys,omitempty"`
}

// Validate checks nested oneof constraints.
func (u *UpstreamTLSContext) Validate() error {
	return u.CommonTLSContext.Validate()
}

// TLSSessionTicketKeys holds inline session ticket key sources.
type TLSSessionTicketKeys struct {
	Keys []DataSource `yaml:"keys" json:"keys"`
}

// SessionTicketKeysType identifies the configured session ticket key variant.
type SessionTicketKeysType int

// Session ticket key variants.
const (
	SessionTicketKeysNone SessionTicketKeysType = iota
	SessionTicketKeysInline
	SessionTicketKeysSds
)

// DownstreamTLSContext configures the server side of a TLS connection.
type DownstreamTLSContext struct {
	CommonTLSContext                 CommonTLSContext      `yaml:"common_tls_context" json:"common_tls_context"`
	RequireClientCertificate         *bool                 `yaml:"require_client_certificate,omitempty" json:"require_client_certificate,omitempty"`
	SessionTicketKeys                *TLSSessionTicketKeys `yaml:"session_ticket_keys,omitempty" json:"session_ticket_keys,omitempty"`
	SessionTicketKeysSdsSecretConfig *SdsSecretConfig      `yaml:"session_ticket_keys_sds_secret_config,omitempty" json:"session_ticket_keys_sds_secret_config,omitempty"`
}

// SessionTicketKeysType returns the populated session ticket key variant.
func (d *DownstreamTLSContext) SessionTicketKeysType() SessionTicketKeysType {
	switch {
	case d.SessionTicketKeys != nil:
		return SessionTicketKeysInline
	case d.SessionTicketKeysSdsSecretConfig != nil:
		return SessionTicketKeysSds
	}
	return SessionTicketKeysNone
}

// Validate checks nested oneof constraints.
func (d *DownstreamTLSContext) Validate() error {
	if d.SessionTicketKeys != nil && d.SessionTicketKeysSdsSecretConfig != nil {
		return &ValidationError{Message: "only one of session_ticket_keys, session_ticket_keys_sds_secret_config may be set"}
	}
	return d.CommonTLSContext.Validate()
}

// SecretResource is a named secret carrying either a certificate or a validation context.
type SecretResource struct {
	Name              string                        `yaml:"name" json:"name"`
	TLSCertificate    *TLSCertificate               `yaml:"tls_certificate,omitempty" json:"tls_certificate,omitempty"`
	ValidationContext *CertificateValidationContext `yaml:"validation_context,omitempty" json:"validation_context,omitempty"`
}

// Validate checks that the resource is named and carries exactly one secret type.
func (r *SecretResource) Validate() error {
	if r.Name == "" {
		return &ValidationError{Path: "name", Message: "is required"}
	}
	if (r.TLSCertificate == nil) == (r.ValidationContext == nil) {
		return &ValidationError{
			Path:    r.Name,
			Message: "secret must set exactly one of tls_certificate, validation_context",
		}
	}
	return nil
}
