package tls

import (
	"crypto/tls"
	"strings"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/secret"
)

// Client role defaults.
const (
	DefaultClientMinVersion = tls.VersionTLS10
	DefaultClientMaxVersion = tls.VersionTLS12

	// DefaultMaxSessionKeys is the session cache size when max_session_keys is unset.
	DefaultMaxSessionKeys uint32 = 1
)

var clientDefaults = roleDefaults{
	minVersion:   DefaultClientMinVersion,
	maxVersion:   DefaultClientMaxVersion,
	cipherSuites: DefaultCipherSuites,
	curves:       DefaultCurves,
}

// ClientContextConfig is the context configuration of an upstream (client) TLS endpoint.
type ClientContextConfig struct {
	*ContextConfig

	serverNameIndication string
	allowRenegotiation   bool
	maxSessionKeys       uint32
	signatureAlgorithms  string
}

// NewClientContextConfig builds a client context configuration from msg.
// sigalgs is the signature algorithm list reported by SignatureAlgorithms.
func NewClientContextConfig(
	msg *config.UpstreamTLSContext,
	sigalgs string,
	manager *secret.Manager,
	opts ...Option,
) (*ClientContextConfig, error) {
	if msg == nil {
		msg = &config.UpstreamTLSContext{}
	}
	if strings.IndexByte(msg.SNI, 0) >= 0 {
		return nil, NewConfigurationError("sni", "SNI names containing NULL-byte are not allowed")
	}
	if msg.CommonTLSContext.CertificateSourceCount() > 1 {
		return nil, NewConfigurationError("common_tls_context.tls_certificates",
			"Multiple TLS certificates are not supported for client contexts")
	}

	base, err := newContextConfig(&msg.CommonTLSContext, RoleClient, clientDefaults, manager, opts...)
	if err != nil {
		return nil, err
	}

	maxSessionKeys := DefaultMaxSessionKeys
	if msg.MaxSessionKeys != nil {
		maxSessionKeys = *msg.MaxSessionKeys
	}

	return &ClientContextConfig{
		ContextConfig:        base,
		serverNameIndication: msg.SNI,
		allowRenegotiation:   msg.AllowRenegotiation,
		maxSessionKeys:       maxSessionKeys,
		signatureAlgorithms:  sigalgs,
	}, nil
}

// NewClientContextConfigFromLegacy translates a legacy flat client TLS
// context and builds a configuration from the result.
func NewClientContextConfigFromLegacy(
	raw []byte,
	sigalgs string,
	manager *secret.Manager,
	opts ...Option,
) (*ClientContextConfig, error) {
	msg, err := config.TranslateUpstream(raw)
	if err != nil {
		return nil, NewConfigurationErrorWithCause("", "failed to translate legacy client TLS context", err)
	}
	return NewClientContextConfig(msg, sigalgs, manager, opts...)
}

// ServerNameIndication returns the SNI sent to the upstream.
func (c *ClientContextConfig) ServerNameIndication() string { return c.serverNameIndication }

// AllowRenegotiation reports whether server-initiated renegotiation is accepted.
func (c *ClientContextConfig) AllowRenegotiation() bool { return c.allowRenegotiation }

// MaxSessionKeys returns the maximum number of cached session keys.
func (c *ClientContextConfig) MaxSessionKeys() uint32 { return c.maxSessionKeys }

// SignatureAlgorithms returns the signature algorithms supplied at construction.
func (c *ClientContextConfig) SignatureAlgorithms() string { return c.signatureAlgorithms }
