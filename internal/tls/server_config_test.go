package tls

import (
	"bytes"
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/secret"
)

func TestNewServerContextConfig_Constraints(t *testing.T) {
	t.Parallel()

	ca := newTestCA(t, "root")
	leaf := ca.issue(t, leafOptions{})
	key := bytes.Repeat([]byte{1}, SessionTicketKeySize)

	tests := []struct {
		name    string
		msg     *config.DownstreamTLSContext
		wantErr string
	}{
		{
			name:    "no certificates",
			msg:     &config.DownstreamTLSContext{},
			wantErr: "No TLS certificates found for server context",
		},
		{
			name: "inline and dynamic certificates",
			msg: &config.DownstreamTLSContext{
				CommonTLSContext: config.CommonTLSContext{
					TLSCertificates:                []config.TLSCertificate{*leaf.secret()},
					TLSCertificateSdsSecretConfigs: []config.SdsSecretConfig{sdsCertificate("server")},
				},
			},
			wantErr: "SDS and non-SDS TLS certificates may not be mixed in server contexts",
		},
		{
			name: "two inline certificates",
			msg: &config.DownstreamTLSContext{
				CommonTLSContext: config.CommonTLSContext{
					TLSCertificates: []config.TLSCertificate{*leaf.secret(), *ca.issue(t, leafOptions{}).secret()},
				},
			},
		},
		{
			name: "dynamic certificate",
			msg: &config.DownstreamTLSContext{
				CommonTLSContext: config.CommonTLSContext{
					TLSCertificateSdsSecretConfigs: []config.SdsSecretConfig{sdsCertificate("server")},
				},
			},
		},
		{
			name: "inline session ticket keys",
			msg: &config.DownstreamTLSContext{
				CommonTLSContext: config.CommonTLSContext{
					TLSCertificates: []config.TLSCertificate{*leaf.secret()},
				},
				SessionTicketKeys: &config.TLSSessionTicketKeys{Keys: []config.DataSource{{InlineBytes: key}}},
			},
		},
		{
			name: "short session ticket key",
			msg: &config.DownstreamTLSContext{
				CommonTLSContext: config.CommonTLSContext{
					TLSCertificates: []config.TLSCertificate{*leaf.secret()},
				},
				SessionTicketKeys: &config.TLSSessionTicketKeys{Keys: []config.DataSource{{InlineBytes: key[:79]}}},
			},
			wantErr: "incorrect TLS session ticket key length. Length 79, expected length 80.",
		},
		{
			name: "empty session ticket key",
			msg: &config.DownstreamTLSContext{
				CommonTLSContext: config.CommonTLSContext{
					TLSCertificates: []config.TLSCertificate{*leaf.secret()},
				},
				SessionTicketKeys: &config.TLSSessionTicketKeys{Keys: []config.DataSource{{}}},
			},
			wantErr: "failed to read session ticket key",
		},
		{
			name: "dynamic session ticket keys",
			msg: &config.DownstreamTLSContext{
				CommonTLSContext: config.CommonTLSContext{
					TLSCertificates: []config.TLSCertificate{*leaf.secret()},
				},
				SessionTicketKeysSdsSecretConfig: &config.SdsSecretConfig{Name: "tickets", SdsConfig: testSource},
			},
			wantErr: "SDS not supported yet",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			manager := secret.NewManager()
			cfg, err := NewServerContextConfig(tt.msg, manager)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.ErrorIs(t, err, ErrConfigInvalid)
				assert.Nil(t, cfg)
				assert.Zero(t, manager.RefCount(secret.TypeTLSCertificate, dynamicKey("server")))
				return
			}
			require.NoError(t, err)
			cfg.Close()
		})
	}
}

func TestNewServerContextConfig_Fields(t *testing.T) {
	t.Parallel()

	ca := newTestCA(t, "root")
	leaf := ca.issue(t, leafOptions{})
	keyA := bytes.Repeat([]byte{0xA}, SessionTicketKeySize)
	keyB := bytes.Repeat([]byte{0xB}, SessionTicketKeySize)

	requireCert := true
	cfg, err := NewServerContextConfig(&config.DownstreamTLSContext{
		CommonTLSContext: config.CommonTLSContext{
			TLSCertificates: []config.TLSCertificate{*leaf.secret()},
		},
		RequireClientCertificate: &requireCert,
		SessionTicketKeys: &config.TLSSessionTicketKeys{Keys: []config.DataSource{
			{InlineBytes: keyA},
			{InlineBytes: keyB},
		}},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(cfg.Close)

	assert.True(t, cfg.RequireClientCertificate())
	assert.Equal(t, uint16(tls.VersionTLS10), cfg.MinProtocolVersion())
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxProtocolVersion())

	keys := cfg.SessionTicketKeys()
	if assert.Len(t, keys, 2) {
		assert.Equal(t, keyA, keys[0].Bytes())
		assert.Equal(t, keyB, keys[1].Bytes())
	}

	keys[0].Name[0] = 0xFF
	assert.Equal(t, keyA, cfg.SessionTicketKeys()[0].Bytes(), "accessor returns a copy")
}

func TestNewServerContextConfig_RequireClientCertificateDefault(t *testing.T) {
	t.Parallel()

	ca := newTestCA(t, "root")
	cfg, err := NewServerContextConfig(&config.DownstreamTLSContext{
		CommonTLSContext: config.CommonTLSContext{
			TLSCertificates: []config.TLSCertificate{*ca.issue(t, leafOptions{}).secret()},
		},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(cfg.Close)

	assert.False(t, cfg.RequireClientCertificate())
	assert.Empty(t, cfg.SessionTicketKeys())
}

func TestNewServerContextConfigFromLegacy(t *testing.T) {
	t.Parallel()

	ca := newTestCA(t, "root")
	leaf := ca.issue(t, leafOptions{})

	dir := t.TempDir()
	chain := filepath.Join(dir, "chain.pem")
	key := filepath.Join(dir, "key.pem")
	ticket := filepath.Join(dir, "ticket.key")
	require.NoError(t, os.WriteFile(chain, leaf.certPEM, 0o600))
	require.NoError(t, os.WriteFile(key, leaf.keyPEM, 0o600))
	require.NoError(t, os.WriteFile(ticket, bytes.Repeat([]byte{7}, SessionTicketKeySize), 0o600))

	raw := []byte(`{"cert_chain_file": "` + chain + `", "private_key_file": "` + key + `",` +
		` "require_client_certificate": true, "session_ticket_key_paths": ["` + ticket + `"],` +
		` "cipher_suites": "ECDHE-RSA-AES128-GCM-SHA256:ECDHE-ECDSA-AES128-GCM-SHA256"}`)

	cfg, err := NewServerContextConfigFromLegacy(raw, nil)
	require.NoError(t, err)
	t.Cleanup(cfg.Close)

	assert.True(t, cfg.RequireClientCertificate())
	assert.Len(t, cfg.SessionTicketKeys(), 1)
	assert.Equal(t, "ECDHE-RSA-AES128-GCM-SHA256:ECDHE-ECDSA-AES128-GCM-SHA256", cfg.CipherSuites())

	_, err = NewServerContextConfigFromLegacy([]byte(`{"sni": "x"}`), nil)
	require.Error(t, err)
}
