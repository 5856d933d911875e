package tls

import (
	"crypto/tls"
	"fmt"

	"github.com/vyrodovalexey/avatls/internal/config"
)

var protocolVersions = []struct {
	proto   config.TLSProtocol
	version uint16
}{
	{config.TLSv1_0, tls.VersionTLS10},
	{config.TLSv1_1, tls.VersionTLS11},
	{config.TLSv1_2, tls.VersionTLS12},
	{config.TLSv1_3, tls.VersionTLS13},
}

// tlsVersionFromProto resolves a configured protocol version. TLS_AUTO and
// the empty value select def.
func tlsVersionFromProto(proto config.TLSProtocol, def uint16) (uint16, error) {
	if proto == config.TLSAuto || proto == "" {
		return def, nil
	}
	for _, pv := range protocolVersions {
		if pv.proto == proto {
			return pv.version, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrTLSVersionInvalid, string(proto))
}

// TLSVersionName formats a wire version as "TLS 1.x", or hex when unknown.
func TLSVersionName(version uint16) string {
	if version >= tls.VersionTLS10 && version <= tls.VersionTLS13 {
		return fmt.Sprintf("TLS 1.%d", version-tls.VersionTLS10)
	}
	return fmt.Sprintf("0x%04X", version)
}
