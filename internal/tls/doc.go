// Package tls builds the runtime configuration of TLS endpoints.
//
// A context configuration resolves its certificate and validation-context
// material from secret providers (static, or dynamic providers fed by a
// discovery channel), derives protocol parameters for its role and keeps
// the derived configs current as secrets rotate:
//
//   - ClientContextConfig configures upstream connections: SNI, session
//     cache size, renegotiation, at most one client certificate.
//   - ServerContextConfig configures listeners: one or more certificates,
//     client certificate requirement, session ticket keys.
//
// # Validation contexts
//
// A validation context is either given directly, referenced by name, or
// combined: a fixed default merged with a dynamically delivered fragment
// by MergeValidationContext. Dynamic updates whose combination with the
// default is inconsistent are rejected before they are stored.
//
// # Updates
//
// SetSecretUpdateCallback registers the owner's notify function. After a
// certificate or validation-context update has been applied, notify runs
// and the owner rebuilds its crypto/tls configuration:
//
//	server, err := tls.NewServerContextConfig(msg, manager, tls.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer server.Close()
//
//	server.SetSecretUpdateCallback(func() {
//	    cfg, err := server.TLSConfig()
//	    if err != nil {
//	        logger.Error("failed to build TLS config", observability.Error(err))
//	        return
//	    }
//	    current.Store(cfg)
//	})
//
// # Cipher suites and curves
//
// Cipher suites and curves are kept as OpenSSL-style strings and mapped to
// crypto/tls identifiers when a tls.Config is built. Suites crypto/tls does
// not implement are skipped; TLS 1.3 suites are always enabled.
package tls
