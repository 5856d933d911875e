package config

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// legacyTLSContext is the flat TLS context format used before the
// common_tls_context layout. JSON input parses as YAML.
type legacyTLSContext struct {
	CertChainFile            string   `yaml:"cert_chain_file"`
	PrivateKeyFile           string   `yaml:"private_key_file"`
	CACertFile               string   `yaml:"ca_cert_file"`
	ALPNProtocols            string   `yaml:"alpn_protocols"`
	CipherSuites             string   `yaml:"cipher_suites"`
	ECDHCurves               string   `yaml:"ecdh_curves"`
	VerifyCertificateHash    string   `yaml:"verify_certificate_hash"`
	VerifySubjectAltName     []string `yaml:"verify_subject_alt_name"`
	SNI                      string   `yaml:"sni"`
	RequireClientCertificate bool     `yaml:"require_client_certificate"`
	SessionTicketKeyPaths    []string `yaml:"session_ticket_key_paths"`
}

// TranslateUpstream converts a legacy client TLS context into an UpstreamTLSContext.
func TranslateUpstream(raw []byte) (*UpstreamTLSContext, error) {
	legacy, err := decodeLegacy(raw)
	if err != nil {
		return nil, err
	}
	if legacy.RequireClientCertificate || len(legacy.SessionTicketKeyPaths) > 0 {
		return nil, &ValidationError{
			Message: "require_client_certificate and session_ticket_key_paths are not valid for client contexts",
		}
	}

	out := &UpstreamTLSContext{
		CommonTLSContext: legacy.common(),
		SNI:              legacy.SNI,
	}
	return out, out.Validate()
}

// TranslateDownstream converts a legacy server TLS context into a DownstreamTLSContext.
func TranslateDownstream(raw []byte) (*DownstreamTLSContext, error) {
	legacy, err := decodeLegacy(raw)
	if err != nil {
		return nil, err
	}
	if legacy.SNI != "" {
		return nil, &ValidationError{Path: "sni", Message: "is not valid for server contexts"}
	}

	out := &DownstreamTLSContext{CommonTLSContext: legacy.common()}
	if legacy.RequireClientCertificate {
		require := true
		out.RequireClientCertificate = &require
	}
	if len(legacy.SessionTicketKeyPaths) > 0 {
		keys := &TLSSessionTicketKeys{}
		for _, path := range legacy.SessionTicketKeyPaths {
			keys.Keys = append(keys.Keys, DataSource{Filename: path})
		}
		out.SessionTicketKeys = keys
	}
	return out, out.Validate()
}

func decodeLegacy(raw []byte) (*legacyTLSContext, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var legacy legacyTLSContext
	if err := dec.Decode(&legacy); err != nil {
		return nil, fmt.Errorf("failed to parse legacy TLS context: %w", err)
	}
	return &legacy, nil
}

func (l *legacyTLSContext) common() CommonTLSContext {
	var common CommonTLSContext

	if l.CertChainFile != "" || l.PrivateKeyFile != "" {
		cert := TLSCertificate{}
		if l.CertChainFile != "" {
			cert.CertificateChain = &DataSource{Filename: l.CertChainFile}
		}
		if l.PrivateKeyFile != "" {
			cert.PrivateKey = &DataSource{Filename: l.PrivateKeyFile}
		}
		common.TLSCertificates = []TLSCertificate{cert}
	}

	if l.CACertFile != "" || l.VerifyCertificateHash != "" || len(l.VerifySubjectAltName) > 0 {
		vc := &CertificateValidationContext{
			VerifySubjectAltName: l.VerifySubjectAltName,
		}
		if l.CACertFile != "" {
			vc.TrustedCA = &DataSource{Filename: l.CACertFile}
		}
		if l.VerifyCertificateHash != "" {
			vc.VerifyCertificateHash = []string{l.VerifyCertificateHash}
		}
		common.ValidationContext = vc
	}

	common.ALPNProtocols = splitNonEmpty(l.ALPNProtocols, ",")
	common.TLSParams.CipherSuites = splitNonEmpty(l.CipherSuites, ":")
	common.TLSParams.ECDHCurves = splitNonEmpty(l.ECDHCurves, ":")
	return common
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
