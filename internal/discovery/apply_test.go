package discovery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/secret"
)

func certificateResource(chain string) *config.SecretResource {
	return &config.SecretResource{
		Name: "server",
		TLSCertificate: &config.TLSCertificate{
			CertificateChain: &config.DataSource{InlineString: chain},
			PrivateKey:       &config.DataSource{InlineString: "KEY"},
		},
	}
}

func TestApplier_Apply(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	src := &config.ConfigSource{Path: "/etc/avatls/secrets.yaml"}
	p := requireCertificateProvider(t, h.manager, src, "server")
	target := Target{SecretType: secret.TypeTLSCertificate, Key: p.Key(), Source: *src}

	tests := []struct {
		name   string
		target Target
		res    *config.SecretResource
		want   bool
	}{
		{name: "nil resource", target: target},
		{
			name:   "type mismatch",
			target: target,
			res: &config.SecretResource{
				Name:              "server",
				ValidationContext: &config.CertificateValidationContext{TrustedCA: &config.DataSource{InlineString: "ROOTS"}},
			},
		},
		{
			name:   "unknown secret type",
			target: Target{SecretType: "session_ticket_keys", Key: p.Key()},
			res:    certificateResource("CHAIN"),
		},
		{name: "certificate", target: target, res: certificateResource("CHAIN"), want: true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, h.applier.Apply(tt.target, tt.res), tt.name)
	}

	require.NoError(t, h.dispatcher.Flush(t.Context()))
	assert.Equal(t, "CHAIN", certificateChain(p))
}

func TestApplier_RejectedUpdateKeepsValue(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	src := &config.ConfigSource{Path: "/etc/avatls/secrets.yaml"}
	p := requireCertificateProvider(t, h.manager, src, "server")
	target := Target{SecretType: secret.TypeTLSCertificate, Key: p.Key(), Source: *src}

	require.True(t, h.applier.Apply(target, certificateResource("GOOD")))
	require.NoError(t, h.dispatcher.Flush(t.Context()))

	handle := p.OnValidate(func(v *config.TLSCertificate) error {
		if v.CertificateChain.InlineString == "BAD" {
			return errors.New("chain does not parse")
		}
		return nil
	})
	defer handle.Remove()

	require.True(t, h.applier.Apply(target, certificateResource("BAD")))
	require.NoError(t, h.dispatcher.Flush(t.Context()))
	assert.Equal(t, "GOOD", certificateChain(p))
}

func TestApplier_ReleasedProvider(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	src := &config.ConfigSource{Path: "/etc/avatls/secrets.yaml"}
	p, err := h.manager.FindOrCreateCertificateProvider(src, "server")
	require.NoError(t, err)
	target := Target{SecretType: secret.TypeTLSCertificate, Key: p.Key(), Source: *src}
	h.manager.Release(p)

	assert.True(t, h.applier.Apply(target, certificateResource("CHAIN")))
	require.NoError(t, h.dispatcher.Flush(t.Context()))
	_, ok := h.manager.LookupCertificateProvider(target.Key)
	assert.False(t, ok)
}

func TestApplier_StoppedDispatcher(t *testing.T) {
	t.Parallel()

	m := secret.NewManager()
	d := NewDispatcher()
	d.Stop()

	a := NewApplier(m, d, nil)
	assert.False(t, a.Apply(Target{SecretType: secret.TypeTLSCertificate}, certificateResource("CHAIN")))
}
