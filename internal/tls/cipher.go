package tls

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// DefaultCipherSuites is the cipher string used when a context configures no
// cipher suites. Bracketed groups list suites of equal preference.
const DefaultCipherSuites = "[ECDHE-ECDSA-AES128-GCM-SHA256|ECDHE-ECDSA-CHACHA20-POLY1305]:" +
	"[ECDHE-RSA-AES128-GCM-SHA256|ECDHE-RSA-CHACHA20-POLY1305]:" +
	"ECDHE-ECDSA-AES128-SHA:" +
	"ECDHE-RSA-AES128-SHA:" +
	"AES128-GCM-SHA256:" +
	"AES128-SHA:" +
	"ECDHE-ECDSA-AES256-GCM-SHA384:" +
	"ECDHE-RSA-AES256-GCM-SHA384:" +
	"ECDHE-ECDSA-AES256-SHA:" +
	"ECDHE-RSA-AES256-SHA:" +
	"AES256-GCM-SHA384:" +
	"AES256-SHA"

// DefaultCurves is the curve string used when a context configures no curves.
const DefaultCurves = "X25519:P-256"

// CipherSuite represents a TLS cipher suite with metadata.
type CipherSuite struct {
	// ID is the crypto/tls cipher suite ID.
	ID uint16

	// Name is the OpenSSL-style name used in cipher strings.
	Name string

	// IANAName is the standard name reported by crypto/tls.
	IANAName string

	// Secure indicates an AEAD suite with forward secrecy.
	Secure bool

	// TLS13 suites are always enabled by crypto/tls and cannot be configured.
	TLS13 bool
}

var cipherSuites = []CipherSuite{
	{ID: tls.TLS_AES_128_GCM_SHA256, Name: "TLS_AES_128_GCM_SHA256", Secure: true, TLS13: true},
	{ID: tls.TLS_AES_256_GCM_SHA384, Name: "TLS_AES_256_GCM_SHA384", Secure: true, TLS13: true},
	{ID: tls.TLS_CHACHA20_POLY1305_SHA256, Name: "TLS_CHACHA20_POLY1305_SHA256", Secure: true, TLS13: true},

	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, Name: "ECDHE-ECDSA-AES128-GCM-SHA256", Secure: true},
	{ID: tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256, Name: "ECDHE-ECDSA-CHACHA20-POLY1305", Secure: true},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, Name: "ECDHE-RSA-AES128-GCM-SHA256", Secure: true},
	{ID: tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256, Name: "ECDHE-RSA-CHACHA20-POLY1305", Secure: true},
	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384, Name: "ECDHE-ECDSA-AES256-GCM-SHA384", Secure: true},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, Name: "ECDHE-RSA-AES256-GCM-SHA384", Secure: true},

	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA, Name: "ECDHE-ECDSA-AES128-SHA"},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA, Name: "ECDHE-RSA-AES128-SHA"},
	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA, Name: "ECDHE-ECDSA-AES256-SHA"},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA, Name: "ECDHE-RSA-AES256-SHA"},
	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256, Name: "ECDHE-ECDSA-AES128-SHA256"},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256, Name: "ECDHE-RSA-AES128-SHA256"},
	{ID: tls.TLS_RSA_WITH_AES_128_GCM_SHA256, Name: "AES128-GCM-SHA256"},
	{ID: tls.TLS_RSA_WITH_AES_256_GCM_SHA384, Name: "AES256-GCM-SHA384"},
	{ID: tls.TLS_RSA_WITH_AES_128_CBC_SHA, Name: "AES128-SHA"},
	{ID: tls.TLS_RSA_WITH_AES_256_CBC_SHA, Name: "AES256-SHA"},
	{ID: tls.TLS_RSA_WITH_AES_128_CBC_SHA256, Name: "AES128-SHA256"},
	{ID: tls.TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA, Name: "ECDHE-RSA-DES-CBC3-SHA"},
	{ID: tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA, Name: "DES-CBC3-SHA"},
}

// cipherSuiteRegistry maps both OpenSSL and IANA names to suites.
var cipherSuiteRegistry = func() map[string]CipherSuite {
	registry := make(map[string]CipherSuite, 2*len(cipherSuites))
	for _, s := range cipherSuites {
		s.IANAName = tls.CipherSuiteName(s.ID)
		registry[s.Name] = s
		registry[s.IANAName] = s
	}
	return registry
}()

// curveRegistry maps curve names to their tls.CurveID values.
var curveRegistry = map[string]tls.CurveID{
	"X25519":     tls.X25519,
	"P-256":      tls.CurveP256,
	"P-384":      tls.CurveP384,
	"P-521":      tls.CurveP521,
	"prime256v1": tls.CurveP256,
	"secp384r1":  tls.CurveP384,
	"secp521r1":  tls.CurveP521,
	"CurveP256":  tls.CurveP256,
	"CurveP384":  tls.CurveP384,
	"CurveP521":  tls.CurveP521,
}

// resolveCipherString joins a configured cipher list with ':' or returns the default.
func resolveCipherString(configured []string, defaultValue string) string {
	if joined := strings.Join(configured, ":"); joined != "" {
		return joined
	}
	return defaultValue
}

// ParseCipherString converts an OpenSSL-style cipher string into crypto/tls
// suite IDs in preference order. Equal-preference groups "[a|b]" are
// flattened. TLS 1.3 suites are accepted and skipped. Names crypto/tls does
// not implement are returned in unknown.
func ParseCipherString(s string) (ids []uint16, unknown []string, err error) {
	seen := make(map[uint16]bool)
	tls13 := false
	for _, element := range strings.Split(s, ":") {
		element = strings.TrimSpace(element)
		element = strings.TrimSuffix(strings.TrimPrefix(element, "["), "]")
		for _, name := range strings.Split(element, "|") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			suite, ok := cipherSuiteRegistry[name]
			if !ok {
				unknown = append(unknown, name)
				continue
			}
			if suite.TLS13 {
				tls13 = true
				continue
			}
			if !seen[suite.ID] {
				seen[suite.ID] = true
				ids = append(ids, suite.ID)
			}
		}
	}
	if len(ids) == 0 && !tls13 {
		return nil, unknown, fmt.Errorf("%w: no usable cipher suite in %q", ErrCipherSuiteInvalid, s)
	}
	return ids, unknown, nil
}

// ParseCurveString converts a ':'-separated curve string into curve IDs.
func ParseCurveString(s string) ([]tls.CurveID, error) {
	var curves []tls.CurveID
	for _, name := range strings.Split(s, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		curve, ok := curveRegistry[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCurveInvalid, name)
		}
		curves = append(curves, curve)
	}
	if len(curves) == 0 {
		return nil, fmt.Errorf("%w: empty curve list", ErrCurveInvalid)
	}
	return curves, nil
}

// GetCipherSuiteInfo returns information about a cipher suite by OpenSSL or IANA name.
func GetCipherSuiteInfo(name string) (CipherSuite, bool) {
	suite, ok := cipherSuiteRegistry[name]
	return suite, ok
}

// CipherSuiteName returns the OpenSSL-style name of a cipher suite ID.
func CipherSuiteName(id uint16) string {
	for _, s := range cipherSuites {
		if s.ID == id {
			return s.Name
		}
	}
	return fmt.Sprintf("0x%04X", id)
}

// CurveName returns the human-readable name of an ECDH curve.
func CurveName(curve tls.CurveID) string {
	switch curve {
	case tls.X25519:
		return "X25519"
	case tls.CurveP256:
		return "P-256"
	case tls.CurveP384:
		return "P-384"
	case tls.CurveP521:
		return "P-521"
	default:
		return fmt.Sprintf("0x%04X", uint16(curve))
	}
}
