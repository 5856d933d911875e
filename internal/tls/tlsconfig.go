package tls

import (
	"crypto/tls"
	"fmt"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// baseTLSConfig translates the role-independent parameters and the given
// certificate configs into a crypto/tls configuration.
func (c *ContextConfig) baseTLSConfig(certs []*TLSCertificateConfig) (*tls.Config, error) {
	suites, unknown, err := ParseCipherString(c.cipherSuites)
	if err != nil {
		return nil, NewConfigurationErrorWithCause("tls_params.cipher_suites", "no usable cipher suite", err)
	}
	if len(unknown) > 0 {
		c.logger.Debug("skipping cipher suites not implemented by crypto/tls",
			observability.Strings("cipher_suites", unknown),
		)
	}

	curves, err := ParseCurveString(c.ecdhCurves)
	if err != nil {
		return nil, NewConfigurationErrorWithCause("tls_params.ecdh_curves", "invalid curve list", err)
	}

	cfg := &tls.Config{
		MinVersion:       c.minVersion,
		MaxVersion:       c.maxVersion,
		CipherSuites:     suites,
		CurvePreferences: curves,
		NextProtos:       c.ALPNProtocolList(),
	}

	for _, cert := range certs {
		pair, err := cert.X509KeyPair()
		if err != nil {
			return nil, err
		}
		cfg.Certificates = append(cfg.Certificates, pair)
	}

	return cfg, nil
}

// TLSConfig builds a crypto/tls client configuration from the current
// snapshot. Peer verification is performed by the validation context; a
// client without one does not verify the server.
func (c *ClientContextConfig) TLSConfig() (*tls.Config, error) {
	certs, vc := c.snapshot()

	cfg, err := c.baseTLSConfig(certs)
	if err != nil {
		return nil, err
	}

	cfg.ServerName = c.serverNameIndication
	if c.maxSessionKeys > 0 {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(int(c.maxSessionKeys))
	}
	cfg.Renegotiation = tls.RenegotiateNever
	if c.allowRenegotiation {
		cfg.Renegotiation = tls.RenegotiateFreelyAsClient
	}

	//nolint:gosec // verification is done in VerifyConnection
	cfg.InsecureSkipVerify = true
	if vc == nil {
		c.logger.Warn("no validation context configured, upstream certificates are not verified")
		return cfg, nil
	}
	cfg.RootCAs = vc.Roots()
	cfg.VerifyConnection = vc.VerifyConnection

	return cfg, nil
}

// TLSConfig builds a crypto/tls server configuration from the current
// snapshot. It fails with ErrCertificateNotReady until a certificate has
// been delivered.
func (c *ServerContextConfig) TLSConfig() (*tls.Config, error) {
	certs, vc := c.snapshot()
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCertificateNotReady, c.name)
	}

	cfg, err := c.baseTLSConfig(certs)
	if err != nil {
		return nil, err
	}

	switch {
	case c.requireClientCertificate:
		cfg.ClientAuth = tls.RequireAnyClientCert
	case vc != nil && vc.Roots() != nil:
		cfg.ClientAuth = tls.RequestClientCert
	default:
		cfg.ClientAuth = tls.NoClientCert
	}
	if vc != nil {
		cfg.ClientCAs = vc.Roots()
		cfg.VerifyConnection = vc.VerifyConnection
	}

	if len(c.sessionTicketKeys) > 0 {
		keys := make([][32]byte, 0, len(c.sessionTicketKeys))
		for i := range c.sessionTicketKeys {
			key, err := c.sessionTicketKeys[i].TicketKey()
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		cfg.SetSessionTicketKeys(keys)
	}

	return cfg, nil
}
