// Package config defines the avatls configuration messages and bootstrap file.
//
// The TLS context messages (UpstreamTLSContext, DownstreamTLSContext,
// CommonTLSContext, CertificateValidationContext, ...) use optional pointer
// fields where a partial message must distinguish "unset" from a zero value.
//
// # Loading
//
// Bootstrap files are YAML with ${VAR} and ${VAR:-default} substitution;
// "$$" escapes a literal dollar sign. Unknown fields are rejected.
//
//	b, err := config.LoadBootstrap("/etc/avatls/avatls.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Hot reload
//
// Watcher reloads the bootstrap file on change, debouncing bursts of
// file system events:
//
//	w, err := config.NewWatcher(path, onReload, config.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
//	defer w.Stop()
//
// # Legacy format
//
// TranslateUpstream and TranslateDownstream convert the flat legacy TLS
// context format (cert_chain_file, ca_cert_file, ...) into the canonical messages.
package config
