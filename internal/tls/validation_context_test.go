package tls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/vyrodovalexey/avatls/internal/config"
)

func TestNewCertificateValidationContextConfig(t *testing.T) {
	t.Parallel()

	ca := newTestCA(t, "root")
	crl := ca.crl(t)

	tests := []struct {
		name    string
		vc      *config.CertificateValidationContext
		wantErr string
	}{
		{
			name: "nil context",
			vc:   nil,
		},
		{
			name: "pins without CA",
			vc: &config.CertificateValidationContext{
				VerifyCertificateHash: []string{"abcd"},
			},
		},
		{
			name: "CA with SAN list",
			vc: &config.CertificateValidationContext{
				TrustedCA:            inline(ca.certPEM),
				VerifySubjectAltName: []string{"a.example.com"},
			},
		},
		{
			name: "CA with CRL",
			vc: &config.CertificateValidationContext{
				TrustedCA: inline(ca.certPEM),
				CRL:       inline(crl),
			},
		},
		{
			name: "CRL without CA",
			vc: &config.CertificateValidationContext{
				CRL: inline(crl),
			},
			wantErr: "failed to load CRL from <inline> without trusted CA",
		},
		{
			name: "SAN list without CA",
			vc: &config.CertificateValidationContext{
				VerifySubjectAltName: []string{"a.example.com"},
			},
			wantErr: "SAN-based verification of peer certificates without trusted CA is insecure and not allowed",
		},
		{
			name: "SAN matcher without CA",
			vc: &config.CertificateValidationContext{
				MatchSubjectAltNames: []config.StringMatcher{{Exact: "a.example.com"}},
			},
			wantErr: "SAN-based verification of peer certificates without trusted CA is insecure and not allowed",
		},
		{
			name: "allow expired without CA",
			vc: &config.CertificateValidationContext{
				AllowExpiredCertificate: boolPtr(true),
			},
			wantErr: "certificate validity period is always ignored without trusted CA",
		},
		{
			name: "garbage CA",
			vc: &config.CertificateValidationContext{
				TrustedCA: &config.DataSource{InlineString: "not a certificate"},
			},
			wantErr: "failed to load trusted CA certificates from <inline>",
		},
		{
			name: "garbage CRL",
			vc: &config.CertificateValidationContext{
				TrustedCA: inline(ca.certPEM),
				CRL:       &config.DataSource{InlineString: "not a crl"},
			},
			wantErr: "failed to load CRL from <inline>",
		},
		{
			name: "missing CA file",
			vc: &config.CertificateValidationContext{
				TrustedCA: &config.DataSource{Filename: "/nonexistent/ca.pem"},
			},
			wantErr: "failed to read trusted CA",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := NewCertificateValidationContextConfig(tt.vc)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.ErrorIs(t, err, ErrConfigInvalid)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
		})
	}
}

func TestNewCertificateValidationContextConfig_Fields(t *testing.T) {
	t.Parallel()

	ca := newTestCA(t, "root")
	cfg, err := NewCertificateValidationContextConfig(&config.CertificateValidationContext{
		TrustedCA:                         &config.DataSource{InlineBytes: ca.certPEM},
		CRL:                               inline(ca.crl(t)),
		VerifySubjectAltName:              []string{"a.example.com"},
		VerifyCertificateHash:             []string{"AA:BB"},
		VerifyCertificateSPKI:             []string{"spki"},
		RequireOCSPStaple:                 boolPtr(true),
		RequireSignedCertificateTimestamp: boolPtr(false),
	})
	require.NoError(t, err)

	assert.Equal(t, ca.certPEM, cfg.CACert)
	assert.Equal(t, config.InlineTarget, cfg.CACertPath)
	assert.NotNil(t, cfg.Roots())
	assert.NotNil(t, cfg.RevocationList())
	assert.Equal(t, []string{"a.example.com"}, cfg.VerifySubjectAltNames)
	assert.Equal(t, []string{"AA:BB"}, cfg.VerifyCertificateHashes)
	assert.Equal(t, []string{"spki"}, cfg.VerifyCertificateSPKIs)
	assert.True(t, cfg.RequireOCSPStaple)
	assert.False(t, cfg.RequireSignedCertTimestamp)
	assert.False(t, cfg.AllowExpiredCertificate)
}

func TestMergeValidationContext(t *testing.T) {
	t.Parallel()

	def := &config.CertificateValidationContext{
		TrustedCA:            &config.DataSource{InlineString: "default-ca"},
		VerifySubjectAltName: []string{"default.example.com"},
		RequireOCSPStaple:    boolPtr(true),
	}
	dyn := &config.CertificateValidationContext{
		MatchSubjectAltNames: []config.StringMatcher{{Suffix: ".example.com"}},
		VerifySubjectAltName: []string{"dynamic.example.com"},
		RequireOCSPStaple:    boolPtr(false),
	}

	merged := MergeValidationContext(def, dyn)

	assert.Equal(t, "default-ca", merged.TrustedCA.InlineString)
	assert.Equal(t, []string{"dynamic.example.com"}, merged.VerifySubjectAltName)
	assert.Equal(t, []config.StringMatcher{{Suffix: ".example.com"}}, merged.MatchSubjectAltNames)
	require.NotNil(t, merged.RequireOCSPStaple)
	assert.False(t, *merged.RequireOCSPStaple)

	// Inputs are untouched.
	assert.Equal(t, []string{"default.example.com"}, def.VerifySubjectAltName)
	assert.True(t, *def.RequireOCSPStaple)
	assert.Nil(t, dyn.TrustedCA)

	merged.TrustedCA.InlineString = "changed"
	assert.Equal(t, "default-ca", def.TrustedCA.InlineString)
}

func TestMergeValidationContext_NilInputs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, &config.CertificateValidationContext{}, MergeValidationContext(nil, nil))

	dyn := &config.CertificateValidationContext{VerifyCertificateHash: []string{"aa"}}
	assert.Equal(t, dyn, MergeValidationContext(nil, dyn))
}

func optionalBool(t *rapid.T, label string) *bool {
	if !rapid.Bool().Draw(t, label+"_set") {
		return nil
	}
	return boolPtr(rapid.Bool().Draw(t, label))
}

func optionalSource(t *rapid.T, label string) *config.DataSource {
	if !rapid.Bool().Draw(t, label+"_set") {
		return nil
	}
	return &config.DataSource{InlineString: rapid.StringN(1, 8, -1).Draw(t, label)}
}

func optionalList(t *rapid.T, label string) []string {
	return rapid.SliceOfN(rapid.StringN(1, 8, -1), 0, 3).Draw(t, label)
}

func genValidationContext(t *rapid.T, label string) *config.CertificateValidationContext {
	return &config.CertificateValidationContext{
		TrustedCA:                         optionalSource(t, label+"_ca"),
		CRL:                               optionalSource(t, label+"_crl"),
		VerifyCertificateSPKI:             optionalList(t, label+"_spki"),
		VerifyCertificateHash:             optionalList(t, label+"_hash"),
		VerifySubjectAltName:              optionalList(t, label+"_san"),
		RequireOCSPStaple:                 optionalBool(t, label+"_ocsp"),
		RequireSignedCertificateTimestamp: optionalBool(t, label+"_sct"),
		AllowExpiredCertificate:           optionalBool(t, label+"_expired"),
	}
}

func TestMergeValidationContext_FieldLaw(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		def := genValidationContext(t, "default")
		dyn := genValidationContext(t, "dynamic")
		merged := MergeValidationContext(def, dyn)

		pickSource := func(d, y *config.DataSource) *config.DataSource {
			if y.IsSet() {
				return y
			}
			return d
		}
		pickList := func(d, y []string) []string {
			if len(y) > 0 {
				return y
			}
			return d
		}
		pickBool := func(d, y *bool) *bool {
			if y != nil {
				return y
			}
			return d
		}

		checks := []struct {
			field string
			ok    bool
		}{
			{"trusted_ca", sameSource(merged.TrustedCA, pickSource(def.TrustedCA, dyn.TrustedCA))},
			{"crl", sameSource(merged.CRL, pickSource(def.CRL, dyn.CRL))},
			{"spki", sameList(merged.VerifyCertificateSPKI, pickList(def.VerifyCertificateSPKI, dyn.VerifyCertificateSPKI))},
			{"hash", sameList(merged.VerifyCertificateHash, pickList(def.VerifyCertificateHash, dyn.VerifyCertificateHash))},
			{"san", sameList(merged.VerifySubjectAltName, pickList(def.VerifySubjectAltName, dyn.VerifySubjectAltName))},
			{"ocsp", sameBool(merged.RequireOCSPStaple, pickBool(def.RequireOCSPStaple, dyn.RequireOCSPStaple))},
			{"sct", sameBool(merged.RequireSignedCertificateTimestamp,
				pickBool(def.RequireSignedCertificateTimestamp, dyn.RequireSignedCertificateTimestamp))},
			{"expired", sameBool(merged.AllowExpiredCertificate,
				pickBool(def.AllowExpiredCertificate, dyn.AllowExpiredCertificate))},
		}
		for _, c := range checks {
			if !c.ok {
				t.Fatalf("field %s does not follow the merge rule", c.field)
			}
		}
	})
}

func sameSource(a, b *config.DataSource) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.InlineString == b.InlineString && a.Filename == b.Filename && string(a.InlineBytes) == string(b.InlineBytes)
}

func sameList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameBool(a, b *bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
