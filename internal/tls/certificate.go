package tls

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/vyrodovalexey/avatls/internal/config"
)

// TLSCertificateConfig is a certificate secret with its data sources read.
// It is immutable once built.
type TLSCertificateConfig struct {
	CertificateChain     []byte
	CertificateChainPath string
	PrivateKey           []byte
	PrivateKeyPath       string
	Password             string
	OCSPStaple           []byte
}

// NewTLSCertificateConfig reads the data sources of c.
func NewTLSCertificateConfig(c *config.TLSCertificate) (*TLSCertificateConfig, error) {
	if c == nil {
		return nil, NewCertificateError("", "certificate secret is empty")
	}

	chain, err := config.ReadDataSource(c.CertificateChain, true)
	if err != nil {
		return nil, NewCertificateErrorWithCause(c.CertificateChain.Target(), "failed to read certificate chain", err)
	}
	key, err := config.ReadDataSource(c.PrivateKey, true)
	if err != nil {
		return nil, NewCertificateErrorWithCause(c.PrivateKey.Target(), "failed to read private key", err)
	}
	password, err := config.ReadDataSourceString(c.Password, true)
	if err != nil {
		return nil, NewCertificateErrorWithCause(c.Password.Target(), "failed to read private key password", err)
	}
	staple, err := config.ReadDataSource(c.OCSPStaple, true)
	if err != nil {
		return nil, NewCertificateErrorWithCause(c.OCSPStaple.Target(), "failed to read OCSP staple", err)
	}

	return &TLSCertificateConfig{
		CertificateChain:     chain,
		CertificateChainPath: c.CertificateChain.Target(),
		PrivateKey:           key,
		PrivateKeyPath:       c.PrivateKey.Target(),
		Password:             password,
		OCSPStaple:           staple,
	}, nil
}

// X509KeyPair parses the chain and key into a crypto/tls certificate.
func (c *TLSCertificateConfig) X509KeyPair() (tls.Certificate, error) {
	if c.Password != "" {
		return tls.Certificate{}, NewCertificateError(c.PrivateKeyPath, "password-protected private keys are not supported")
	}
	if len(c.CertificateChain) == 0 || len(c.PrivateKey) == 0 {
		return tls.Certificate{}, NewCertificateError(c.CertificateChainPath, "certificate chain and private key are required")
	}

	cert, err := tls.X509KeyPair(c.CertificateChain, c.PrivateKey)
	if err != nil {
		return tls.Certificate{}, NewCertificateErrorWithCause(c.CertificateChainPath, "failed to load key pair", err)
	}
	if len(c.OCSPStaple) > 0 {
		cert.OCSPStaple = c.OCSPStaple
	}
	return cert, nil
}

// Leaf returns the parsed leaf certificate of the chain.
func (c *TLSCertificateConfig) Leaf() (*x509.Certificate, error) {
	cert, err := c.X509KeyPair()
	if err != nil {
		return nil, err
	}
	if cert.Leaf != nil {
		return cert.Leaf, nil
	}
	return x509.ParseCertificate(cert.Certificate[0])
}

// ExpiresIn returns the time until the leaf certificate expires.
func (c *TLSCertificateConfig) ExpiresIn(now time.Time) (time.Duration, error) {
	leaf, err := c.Leaf()
	if err != nil {
		return 0, err
	}
	return leaf.NotAfter.Sub(now), nil
}
