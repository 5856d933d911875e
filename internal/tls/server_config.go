package tls

import (
	"crypto/tls"
	"fmt"
	"slices"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/secret"
)

// Server role defaults.
const (
	DefaultServerMinVersion = tls.VersionTLS10
	DefaultServerMaxVersion = tls.VersionTLS13
)

var serverDefaults = roleDefaults{
	minVersion:   DefaultServerMinVersion,
	maxVersion:   DefaultServerMaxVersion,
	cipherSuites: DefaultCipherSuites,
	curves:       DefaultCurves,
}

// ServerContextConfig is the context configuration of a downstream (server) TLS endpoint.
type ServerContextConfig struct {
	*ContextConfig

	requireClientCertificate bool
	sessionTicketKeys        []SessionTicketKey
}

// NewServerContextConfig builds a server context configuration from msg.
func NewServerContextConfig(
	msg *config.DownstreamTLSContext,
	manager *secret.Manager,
	opts ...Option,
) (*ServerContextConfig, error) {
	if msg == nil {
		msg = &config.DownstreamTLSContext{}
	}
	if err := msg.Validate(); err != nil {
		return nil, NewConfigurationErrorWithCause("", "invalid server TLS context", err)
	}

	common := &msg.CommonTLSContext
	if len(common.TLSCertificates) == 0 && len(common.TLSCertificateSdsSecretConfigs) == 0 {
		return nil, NewConfigurationError("common_tls_context.tls_certificates",
			"No TLS certificates found for server context")
	}
	if len(common.TLSCertificates) > 0 && len(common.TLSCertificateSdsSecretConfigs) > 0 {
		return nil, NewConfigurationError("common_tls_context.tls_certificate_sds_secret_configs",
			"SDS and non-SDS TLS certificates may not be mixed in server contexts")
	}

	keys, err := decodeSessionTicketKeys(msg)
	if err != nil {
		return nil, err
	}

	base, err := newContextConfig(common, RoleServer, serverDefaults, manager, opts...)
	if err != nil {
		return nil, err
	}

	return &ServerContextConfig{
		ContextConfig:            base,
		requireClientCertificate: boolValue(msg.RequireClientCertificate),
		sessionTicketKeys:        keys,
	}, nil
}

func decodeSessionTicketKeys(msg *config.DownstreamTLSContext) ([]SessionTicketKey, error) {
	switch msg.SessionTicketKeysType() {
	case config.SessionTicketKeysInline:
		var keys []SessionTicketKey
		for i := range msg.SessionTicketKeys.Keys {
			data, err := config.ReadDataSource(&msg.SessionTicketKeys.Keys[i], false)
			if err != nil {
				return nil, NewConfigurationErrorWithCause(fmt.Sprintf("session_ticket_keys.keys[%d]", i),
					"failed to read session ticket key", err)
			}
			keys, err = AppendSessionTicketKey(keys, data)
			if err != nil {
				return nil, err
			}
		}
		return keys, nil
	case config.SessionTicketKeysSds:
		return nil, NewConfigurationError("session_ticket_keys_sds_secret_config", "SDS not supported yet")
	default:
		return nil, nil
	}
}

// NewServerContextConfigFromLegacy translates a legacy flat server TLS
// context and builds a configuration from the result.
func NewServerContextConfigFromLegacy(
	raw []byte,
	manager *secret.Manager,
	opts ...Option,
) (*ServerContextConfig, error) {
	msg, err := config.TranslateDownstream(raw)
	if err != nil {
		return nil, NewConfigurationErrorWithCause("", "failed to translate legacy server TLS context", err)
	}
	return NewServerContextConfig(msg, manager, opts...)
}

// RequireClientCertificate reports whether clients must present a certificate.
func (c *ServerContextConfig) RequireClientCertificate() bool { return c.requireClientCertificate }

// SessionTicketKeys returns a copy of the decoded session ticket keys.
func (c *ServerContextConfig) SessionTicketKeys() []SessionTicketKey {
	return slices.Clone(c.sessionTicketKeys)
}
