package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/secret"
)

// Keys recognised in key/value secret backends (Vault KV, Kubernetes
// Secrets). The first name of each list wins when several are present.
var (
	certificateChainKeys = []string{"tls.crt", "certificate_chain"}
	privateKeyKeys       = []string{"tls.key", "private_key"}
	passwordKeys         = []string{"password"}
	ocspStapleKeys       = []string{"ocsp_staple"}
	trustedCAKeys        = []string{"ca.crt", "trusted_ca"}
	crlKeys              = []string{"ca.crl", "crl"}
	sanKeys              = []string{"verify_subject_alt_name"}
	hashKeys             = []string{"verify_certificate_hash"}
	spkiKeys             = []string{"verify_certificate_spki"}
	allowExpiredKeys     = []string{"allow_expired_certificate"}
	requireOCSPKeys      = []string{"require_ocsp_staple"}
	requireSCTKeys       = []string{"require_signed_certificate_timestamp"}
)

// resourceFromData decodes a key/value secret into a resource of the
// requested type.
func resourceFromData(secretType secret.Type, name string, data map[string][]byte) (*config.SecretResource, error) {
	switch secretType {
	case secret.TypeTLSCertificate:
		cert, err := certificateFromData(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedSecret, name, err)
		}
		return &config.SecretResource{Name: name, TLSCertificate: cert}, nil
	case secret.TypeValidationContext:
		vc, err := validationContextFromData(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedSecret, name, err)
		}
		return &config.SecretResource{Name: name, ValidationContext: vc}, nil
	}
	return nil, fmt.Errorf("%w: %s: unsupported secret type %q", ErrMalformedSecret, name, secretType)
}

func certificateFromData(data map[string][]byte) (*config.TLSCertificate, error) {
	chain := lookup(data, certificateChainKeys)
	key := lookup(data, privateKeyKeys)
	if chain == nil || key == nil {
		return nil, fmt.Errorf("missing %s or %s", certificateChainKeys[0], privateKeyKeys[0])
	}
	return &config.TLSCertificate{
		CertificateChain: chain,
		PrivateKey:       key,
		Password:         lookup(data, passwordKeys),
		OCSPStaple:       lookup(data, ocspStapleKeys),
	}, nil
}

func validationContextFromData(data map[string][]byte) (*config.CertificateValidationContext, error) {
	vc := &config.CertificateValidationContext{
		TrustedCA:             lookup(data, trustedCAKeys),
		CRL:                   lookup(data, crlKeys),
		VerifySubjectAltName:  lookupList(data, sanKeys),
		VerifyCertificateHash: lookupList(data, hashKeys),
		VerifyCertificateSPKI: lookupList(data, spkiKeys),
	}

	var err error
	if vc.AllowExpiredCertificate, err = lookupBool(data, allowExpiredKeys); err != nil {
		return nil, err
	}
	if vc.RequireOCSPStaple, err = lookupBool(data, requireOCSPKeys); err != nil {
		return nil, err
	}
	if vc.RequireSignedCertificateTimestamp, err = lookupBool(data, requireSCTKeys); err != nil {
		return nil, err
	}

	if vc.TrustedCA == nil && vc.CRL == nil && len(vc.VerifySubjectAltName) == 0 &&
		len(vc.VerifyCertificateHash) == 0 && len(vc.VerifyCertificateSPKI) == 0 &&
		vc.AllowExpiredCertificate == nil && vc.RequireOCSPStaple == nil &&
		vc.RequireSignedCertificateTimestamp == nil {
		return nil, errors.New("no validation context fields found")
	}
	return vc, nil
}

func lookupRaw(data map[string][]byte, keys []string) ([]byte, bool) {
	for _, k := range keys {
		if v, ok := data[k]; ok && len(v) > 0 {
			return v, true
		}
	}
	return nil, false
}

func lookup(data map[string][]byte, keys []string) *config.DataSource {
	v, ok := lookupRaw(data, keys)
	if !ok {
		return nil
	}
	return &config.DataSource{InlineBytes: append([]byte(nil), v...)}
}

// lookupList splits a comma or newline separated value.
func lookupList(data map[string][]byte, keys []string) []string {
	v, ok := lookupRaw(data, keys)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.FieldsFunc(string(v), func(r rune) bool { return r == ',' || r == '\n' }) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func lookupBool(data map[string][]byte, keys []string) (*bool, error) {
	v, ok := lookupRaw(data, keys)
	if !ok {
		return nil, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(string(v)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", keys[0], err)
	}
	return &b, nil
}

// stringMapToBytes converts a JSON-like map, as returned by Vault, into
// raw values. Nested values are formatted with %v.
func stringMapToBytes(in map[string]interface{}) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = []byte(val)
		case []byte:
			out[k] = val
		default:
			out[k] = []byte(fmt.Sprint(val))
		}
	}
	return out
}
