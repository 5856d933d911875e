// Package observability provides structured logging for avatls.
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer func() { _ = logger.Sync() }()
//
//	logger.Info("secret updated",
//	    observability.SecretName("server-cert"),
//	    observability.Source("file:/etc/avatls/sds.yaml"),
//	)
//
// Components accept a Logger through a WithLogger option and fall back to
// NopLogger when none is supplied.
package observability
