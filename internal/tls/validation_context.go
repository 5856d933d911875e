package tls

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"slices"

	"github.com/vyrodovalexey/avatls/internal/config"
)

// CertificateValidationContextConfig is a validation context with its data
// sources read and its trust anchors parsed. It is immutable once built.
type CertificateValidationContextConfig struct {
	CACert                     []byte
	CACertPath                 string
	CRL                        []byte
	CRLPath                    string
	VerifySubjectAltNames      []string
	MatchSubjectAltNames       []config.StringMatcher
	VerifyCertificateHashes    []string
	VerifyCertificateSPKIs     []string
	RequireOCSPStaple          bool
	RequireSignedCertTimestamp bool
	AllowExpiredCertificate    bool

	roots *x509.CertPool
	crl   *x509.RevocationList
}

// NewCertificateValidationContextConfig reads and checks vc. A CRL, SAN
// verification or allow_expired_certificate without a trusted CA is rejected.
func NewCertificateValidationContextConfig(vc *config.CertificateValidationContext) (*CertificateValidationContextConfig, error) {
	if vc == nil {
		vc = &config.CertificateValidationContext{}
	}
	if err := vc.Validate(); err != nil {
		return nil, NewConfigurationErrorWithCause("validation_context", "invalid validation context", err)
	}

	ca, err := config.ReadDataSource(vc.TrustedCA, true)
	if err != nil {
		return nil, NewConfigurationErrorWithCause("validation_context.trusted_ca", "failed to read trusted CA", err)
	}
	crl, err := config.ReadDataSource(vc.CRL, true)
	if err != nil {
		return nil, NewConfigurationErrorWithCause("validation_context.crl", "failed to read CRL", err)
	}

	c := &CertificateValidationContextConfig{
		CACert:                     ca,
		CACertPath:                 vc.TrustedCA.Target(),
		CRL:                        crl,
		CRLPath:                    vc.CRL.Target(),
		VerifySubjectAltNames:      slices.Clone(vc.VerifySubjectAltName),
		MatchSubjectAltNames:       slices.Clone(vc.MatchSubjectAltNames),
		VerifyCertificateHashes:    slices.Clone(vc.VerifyCertificateHash),
		VerifyCertificateSPKIs:     slices.Clone(vc.VerifyCertificateSPKI),
		RequireOCSPStaple:          boolValue(vc.RequireOCSPStaple),
		RequireSignedCertTimestamp: boolValue(vc.RequireSignedCertificateTimestamp),
		AllowExpiredCertificate:    boolValue(vc.AllowExpiredCertificate),
	}

	if len(c.CACert) == 0 {
		if len(c.CRL) > 0 {
			return nil, NewConfigurationError("validation_context.crl",
				fmt.Sprintf("failed to load CRL from %s without trusted CA", c.CRLPath))
		}
		if len(c.VerifySubjectAltNames) > 0 || len(c.MatchSubjectAltNames) > 0 {
			return nil, NewConfigurationError("validation_context",
				"SAN-based verification of peer certificates without trusted CA is insecure and not allowed")
		}
		if c.AllowExpiredCertificate {
			return nil, NewConfigurationError("validation_context.allow_expired_certificate",
				"certificate validity period is always ignored without trusted CA")
		}
		return c, nil
	}

	c.roots = x509.NewCertPool()
	if !c.roots.AppendCertsFromPEM(c.CACert) {
		return nil, NewConfigurationErrorWithCause("validation_context.trusted_ca",
			fmt.Sprintf("failed to load trusted CA certificates from %s", c.CACertPath), ErrCAInvalid)
	}

	if len(c.CRL) > 0 {
		parsed, err := parseCRL(c.CRL)
		if err != nil {
			return nil, NewConfigurationErrorWithCause("validation_context.crl",
				fmt.Sprintf("failed to load CRL from %s", c.CRLPath), err)
		}
		c.crl = parsed
	}

	return c, nil
}

// Roots returns the trusted CA pool, or nil when no trusted CA is configured.
func (c *CertificateValidationContextConfig) Roots() *x509.CertPool {
	return c.roots
}

// RevocationList returns the parsed CRL, or nil.
func (c *CertificateValidationContextConfig) RevocationList() *x509.RevocationList {
	return c.crl
}

func parseCRL(data []byte) (*x509.RevocationList, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "X509 CRL" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrCRLInvalid, block.Type)
		}
		der = block.Bytes
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCRLInvalid, err)
	}
	return crl, nil
}

// MergeValidationContext returns a new validation context built from a copy
// of def overlaid with every field dyn sets. Neither input is modified.
// Repeated fields set in dyn replace those of def.
func MergeValidationContext(def, dyn *config.CertificateValidationContext) *config.CertificateValidationContext {
	merged := cloneValidationContext(def)
	if dyn == nil {
		return merged
	}

	if dyn.TrustedCA.IsSet() {
		merged.TrustedCA = cloneDataSource(dyn.TrustedCA)
	}
	if dyn.CRL.IsSet() {
		merged.CRL = cloneDataSource(dyn.CRL)
	}
	if len(dyn.VerifyCertificateSPKI) > 0 {
		merged.VerifyCertificateSPKI = slices.Clone(dyn.VerifyCertificateSPKI)
	}
	if len(dyn.VerifyCertificateHash) > 0 {
		merged.VerifyCertificateHash = slices.Clone(dyn.VerifyCertificateHash)
	}
	if len(dyn.VerifySubjectAltName) > 0 {
		merged.VerifySubjectAltName = slices.Clone(dyn.VerifySubjectAltName)
	}
	if len(dyn.MatchSubjectAltNames) > 0 {
		merged.MatchSubjectAltNames = slices.Clone(dyn.MatchSubjectAltNames)
	}
	if dyn.RequireOCSPStaple != nil {
		merged.RequireOCSPStaple = boolPtr(*dyn.RequireOCSPStaple)
	}
	if dyn.RequireSignedCertificateTimestamp != nil {
		merged.RequireSignedCertificateTimestamp = boolPtr(*dyn.RequireSignedCertificateTimestamp)
	}
	if dyn.AllowExpiredCertificate != nil {
		merged.AllowExpiredCertificate = boolPtr(*dyn.AllowExpiredCertificate)
	}
	return merged
}

func cloneValidationContext(vc *config.CertificateValidationContext) *config.CertificateValidationContext {
	if vc == nil {
		return &config.CertificateValidationContext{}
	}
	out := &config.CertificateValidationContext{
		TrustedCA:             cloneDataSource(vc.TrustedCA),
		CRL:                   cloneDataSource(vc.CRL),
		VerifyCertificateSPKI: slices.Clone(vc.VerifyCertificateSPKI),
		VerifyCertificateHash: slices.Clone(vc.VerifyCertificateHash),
		VerifySubjectAltName:  slices.Clone(vc.VerifySubjectAltName),
		MatchSubjectAltNames:  slices.Clone(vc.MatchSubjectAltNames),
	}
	if vc.RequireOCSPStaple != nil {
		out.RequireOCSPStaple = boolPtr(*vc.RequireOCSPStaple)
	}
	if vc.RequireSignedCertificateTimestamp != nil {
		out.RequireSignedCertificateTimestamp = boolPtr(*vc.RequireSignedCertificateTimestamp)
	}
	if vc.AllowExpiredCertificate != nil {
		out.AllowExpiredCertificate = boolPtr(*vc.AllowExpiredCertificate)
	}
	return out
}

func cloneDataSource(ds *config.DataSource) *config.DataSource {
	if ds == nil {
		return nil
	}
	out := *ds
	out.InlineBytes = slices.Clone(ds.InlineBytes)
	return &out
}

func boolValue(b *bool) bool {
	return b != nil && *b
}

func boolPtr(b bool) *bool {
	return &b
}
