// Package main is the entry point for the avatls TLS context daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg, err := loadBootstrap(flags.configPath, logger)
	if err != nil {
		fatalWithSync(logger, "failed to load configuration", observability.Error(err))
	}

	app, err := initApplication(cfg, logger)
	if err != nil {
		fatalWithSync(logger, "failed to initialize", observability.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx, app, flags, logger); err != nil {
		fatalWithSync(logger, "avatls stopped with error", observability.Error(err))
	}
}

// parseFlags parses command line flags. Unset flags take the matching
// AVATLS_* environment variable when it is non-empty.
func parseFlags(args []string) cliFlags {
	env := func(key, def string) string {
		if v := os.Getenv("AVATLS_" + key); v != "" {
			return v
		}
		return def
	}

	var f cliFlags
	fs := flag.NewFlagSet("avatls", flag.ExitOnError)
	fs.StringVar(&f.configPath, "config", env("CONFIG_PATH", "configs/avatls.yaml"), "Path to bootstrap file")
	fs.StringVar(&f.logLevel, "log-level", env("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", env("LOG_FORMAT", "json"), "Log format (json, console)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", env("METRICS_ADDR", ":9090"),
		"Address of the admin endpoint, empty to disable")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")
	_ = fs.Parse(args)
	return f
}

func printVersion() {
	fmt.Printf("avatls version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadBootstrap loads and validates the bootstrap file.
func loadBootstrap(path string, logger observability.Logger) (*config.Bootstrap, error) {
	logger.Info("starting avatls",
		observability.String("version", version),
		observability.String("config", path),
	)

	cfg, err := config.LoadBootstrap(path)
	if err != nil {
		return nil, err
	}

	logger.Info("configuration loaded",
		observability.Int("static_secrets", len(cfg.StaticSecrets)),
		observability.Int("listeners", len(cfg.Listeners)),
		observability.Int("clusters", len(cfg.Clusters)),
	)
	return cfg, nil
}

// runDaemon runs discovery until ctx is done or a channel fails, then shuts
// everything down.
func runDaemon(ctx context.Context, app *application, flags cliFlags, logger observability.Logger) error {
	if flags.metricsAddr != "" {
		app.metricsServer = newMetricsServer(flags.metricsAddr, app, logger)
		go runMetricsServer(app.metricsServer, logger)
	}
	watcher := startBootstrapWatcher(ctx, app, flags.configPath, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- app.run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}
	if app.metricsServer != nil {
		logger.Info("stopping metrics server")
		if err := app.metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}
	app.close()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("avatls stopped")
	return nil
}

// fatalWithSync flushes the logger and exits.
func fatalWithSync(logger observability.Logger, msg string, fields ...observability.Field) {
	logger.Error(msg, fields...)
	_ = logger.Sync()
	os.Exit(1)
}
