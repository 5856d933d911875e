package tls

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// VerifyConnection checks the peer of cs against the validation context:
// chain to the trusted CA (honoring allow_expired_certificate), CRL, SAN
// lists, certificate hash and SPKI pins, OCSP staple and SCT requirements.
// A peer that presented no certificate passes; requiring one is the job of
// the TLS engine.
func (c *CertificateValidationContextConfig) VerifyConnection(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return nil
	}
	leaf := cs.PeerCertificates[0]
	subject := leaf.Subject.String()

	if c.roots != nil {
		if err := c.verifyChain(cs.PeerCertificates, time.Now()); err != nil {
			return NewValidationErrorWithCause(subject, "untrusted certificate chain", err)
		}
		if c.isRevoked(leaf) {
			return NewValidationError(subject, "certificate revoked")
		}
	}

	if (len(c.VerifySubjectAltNames) > 0 || len(c.MatchSubjectAltNames) > 0) && !c.matchSubjectAltName(leaf) {
		return NewValidationError(subject, "no subject alternative name matches")
	}

	if (len(c.VerifyCertificateHashes) > 0 || len(c.VerifyCertificateSPKIs) > 0) && !c.matchPins(leaf) {
		return NewValidationError(subject, "certificate hash and SPKI do not match")
	}

	if c.RequireOCSPStaple && len(cs.OCSPResponse) == 0 {
		return NewValidationError(subject, "OCSP staple required")
	}
	if c.RequireSignedCertTimestamp && len(cs.SignedCertificateTimestamps) == 0 {
		return NewValidationError(subject, "signed certificate timestamp required")
	}

	return nil
}

func (c *CertificateValidationContextConfig) verifyChain(certs []*x509.Certificate, now time.Time) error {
	leaf := certs[0]
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:         c.roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	_, err := leaf.Verify(opts)
	if err == nil || !c.AllowExpiredCertificate {
		return err
	}

	var invalid x509.CertificateInvalidError
	if !errors.As(err, &invalid) || invalid.Reason != x509.Expired {
		return err
	}
	// Re-verify at a time inside the leaf validity window.
	opts.CurrentTime = leaf.NotAfter.Add(-time.Second)
	if opts.CurrentTime.Before(leaf.NotBefore) {
		opts.CurrentTime = leaf.NotBefore
	}
	_, err = leaf.Verify(opts)
	return err
}

func (c *CertificateValidationContextConfig) isRevoked(cert *x509.Certificate) bool {
	if c.crl == nil || !bytes.Equal(c.crl.RawIssuer, cert.RawIssuer) {
		return false
	}
	for _, entry := range c.crl.RevokedCertificateEntries {
		if entry.SerialNumber != nil && entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return true
		}
	}
	return false
}

func (c *CertificateValidationContextConfig) matchSubjectAltName(cert *x509.Certificate) bool {
	sans := collectSANs(cert)
	for _, san := range sans {
		for _, pattern := range c.VerifySubjectAltNames {
			if san == pattern || matchPattern(pattern, san) {
				return true
			}
		}
		for i := range c.MatchSubjectAltNames {
			if c.MatchSubjectAltNames[i].Match(san) {
				return true
			}
		}
	}
	return false
}

func (c *CertificateValidationContextConfig) matchPins(cert *x509.Certificate) bool {
	if len(c.VerifyCertificateHashes) > 0 {
		sum := sha256.Sum256(cert.Raw)
		got := hex.EncodeToString(sum[:])
		for _, want := range c.VerifyCertificateHashes {
			if strings.EqualFold(strings.ReplaceAll(want, ":", ""), got) {
				return true
			}
		}
	}
	if len(c.VerifyCertificateSPKIs) > 0 {
		sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
		got := base64.StdEncoding.EncodeToString(sum[:])
		for _, want := range c.VerifyCertificateSPKIs {
			if want == got {
				return true
			}
		}
	}
	return false
}

// collectSANs returns the DNS, email, IP and URI subject alternative names of cert.
func collectSANs(cert *x509.Certificate) []string {
	sans := make([]string, 0, len(cert.DNSNames)+len(cert.EmailAddresses)+len(cert.IPAddresses)+len(cert.URIs))
	sans = append(sans, cert.DNSNames...)
	sans = append(sans, cert.EmailAddresses...)
	for _, ip := range cert.IPAddresses {
		sans = append(sans, ip.String())
	}
	for _, uri := range cert.URIs {
		sans = append(sans, uri.String())
	}
	return sans
}

// matchPattern matches a DNS name against a pattern that may carry a
// leading "*." wildcard for exactly one label. Either side may hold the wildcard.
func matchPattern(pattern, value string) bool {
	if strings.HasPrefix(value, "*.") {
		pattern, value = value, pattern
	}
	if !strings.HasPrefix(pattern, "*.") {
		return strings.EqualFold(pattern, value)
	}
	suffix := pattern[1:]
	if !strings.HasSuffix(strings.ToLower(value), strings.ToLower(suffix)) {
		return false
	}
	label := value[:len(value)-len(suffix)]
	return label != "" && !strings.Contains(label, ".")
}

// formatFingerprint formats a hash as colon-separated uppercase hex.
func formatFingerprint(hash []byte) string {
	if len(hash) == 0 {
		return ""
	}
	parts := make([]string, len(hash))
	for i, b := range hash {
		parts[i] = strings.ToUpper(hex.EncodeToString([]byte{b}))
	}
	return strings.Join(parts, ":")
}

// CertificateFingerprint returns the SHA-256 fingerprint of cert as
// colon-separated hex, the format accepted by verify_certificate_hash.
func CertificateFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return formatFingerprint(sum[:])
}

// CertificateSPKI returns the base64 SHA-256 of the certificate public key,
// the format accepted by verify_certificate_spki.
func CertificateSPKI(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}
