package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type testCA struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
}

type testLeaf struct {
	der     []byte
	certPEM []byte
	keyPEM  []byte
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "avatls test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key, certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})}
}

func (ca *testCA) issue(t *testing.T, dnsName string) *testLeaf {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: dnsName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{dnsName},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return &testLeaf{
		der:     der,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}
}

func (l *testLeaf) resource(name string) config.SecretResource {
	return config.SecretResource{
		Name: name,
		TLSCertificate: &config.TLSCertificate{
			CertificateChain: &config.DataSource{InlineBytes: l.certPEM},
			PrivateKey:       &config.DataSource{InlineBytes: l.keyPEM},
		},
	}
}

func (ca *testCA) resource(name string) config.SecretResource {
	return config.SecretResource{
		Name:              name,
		ValidationContext: &config.CertificateValidationContext{TrustedCA: &config.DataSource{InlineBytes: ca.certPEM}},
	}
}

// staticBootstrap has one listener serving the static "edge-cert" and one
// cluster verifying it against the static "roots".
func staticBootstrap(ca *testCA, leaf *testLeaf) *config.Bootstrap {
	b := &config.Bootstrap{
		StaticSecrets: []config.SecretResource{leaf.resource("edge-cert"), ca.resource("roots")},
		Listeners: []config.Listener{{
			Name: "edge",
			TLSContext: config.DownstreamTLSContext{CommonTLSContext: config.CommonTLSContext{
				TLSCertificateSdsSecretConfigs: []config.SdsSecretConfig{{Name: "edge-cert"}},
			}},
		}},
		Clusters: []config.Cluster{{
			Name: "upstream",
			TLSContext: config.UpstreamTLSContext{
				SNI: "edge.example.com",
				CommonTLSContext: config.CommonTLSContext{
					ValidationContextSdsSecretConfig: &config.SdsSecretConfig{Name: "roots"},
				},
			},
		}},
	}
	b.ApplyDefaults()
	return b
}

func newTestApplication(t *testing.T, b *config.Bootstrap) *application {
	t.Helper()
	app, err := initApplication(b, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(app.close)
	return app
}

func writeYAML(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := yaml.Marshal(v)
	require.NoError(t, err)
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, data, 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

// handshake connects a client using clientCfg to a loopback server
// answering with serverEndpoint.
func handshake(t *testing.T, serverEndpoint *endpoint, clientCfg *tls.Config) (serverErr, clientErr error, state tls.ConnectionState) {
	t.Helper()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		GetConfigForClient: serverEndpoint.getConfigForClient,
		MinVersion:         tls.VersionTLS12,
	})
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(waitFor))
		done <- conn.(*tls.Conn).Handshake()
	}()

	dialer := &net.Dialer{Timeout: waitFor}
	conn, clientErr := tls.DialWithDialer(dialer, "tcp", ln.Addr().String(), clientCfg)
	if clientErr == nil {
		state = conn.ConnectionState()
		_ = conn.Close()
	}
	return <-done, clientErr, state
}
