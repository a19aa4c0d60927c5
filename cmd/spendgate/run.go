package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"mercator-hq/spendgate/pkg/budget/tenants"
	"mercator-hq/spendgate/pkg/cli"
	"mercator-hq/spendgate/pkg/config"
	sgtls "mercator-hq/spendgate/pkg/security/tls"
	"mercator-hq/spendgate/pkg/server"
	"mercator-hq/spendgate/pkg/telemetry/logging"
	"mercator-hq/spendgate/pkg/telemetry/tracing"
)

// tenantFileActor is recorded in audit entries written by seed file reloads.
const tenantFileActor = "tenants-file"

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Spendgate server",
	Long: `Start the Spendgate server with the specified configuration.

The server accepts signed spend events on /budget-events, answers admission
checks, serves the admin API and runs the budget reset scheduler.

Examples:
  # Start with default config
  spendgate run

  # Start with custom config
  spendgate run --config /etc/spendgate/config.yaml

  # Override listen address
  spendgate run --listen 0.0.0.0:8080

  # Validate config without starting server
  spendgate run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	if _, err := logging.Setup(logging.Config{
		Level:     cfg.Telemetry.Logging.Level,
		Format:    cfg.Telemetry.Logging.Format,
		AddSource: cfg.Telemetry.Logging.AddSource,
	}); err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}

	out := cmd.OutOrStdout()
	if runFlags.dryRun {
		fmt.Fprintln(out, "✓ Configuration valid")
		return nil
	}

	printBanner(out, cfg)

	ctx, stop := cli.SetupSignalHandler()
	defer stop()
	cli.OnReload(ctx, reloadConfig)

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:     cfg.Telemetry.Tracing.Enabled,
		Endpoint:    cfg.Telemetry.Tracing.Endpoint,
		Insecure:    cfg.Telemetry.Tracing.Insecure,
		SampleRatio: cfg.Telemetry.Tracing.SampleRatio,
		ServiceName: cfg.Telemetry.Tracing.ServiceName,
		Version:     Version,
	})
	if err != nil {
		return cli.NewCommandError("run", fmt.Errorf("failed to initialize tracing: %w", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()
	fmt.Fprintf(out, "✓ Storage initialized (%s)\n", cfg.Storage.Backend)

	if cfg.Tenants.File != "" {
		watcher, err := seedTenants(ctx, a, cfg.Tenants)
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		if watcher != nil {
			defer watcher.Stop()
		}
		fmt.Fprintf(out, "✓ Tenants loaded from %s\n", cfg.Tenants.File)
	}

	if cfg.Scheduler.IsEnabled() {
		if err := a.scheduler.Start(ctx); err != nil {
			return cli.NewCommandError("run", err)
		}
		if next := a.scheduler.NextRun(); next != nil {
			fmt.Fprintf(out, "✓ Reset scheduler started (next run %s)\n", next.Format("2006-01-02T15:04:05Z07:00"))
		}
	}

	tlsConfig, err := setupTLS(ctx, a, cfg.Server.TLS)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	scheme := "http"
	if tlsConfig != nil {
		scheme = "https"
		fmt.Fprintf(out, "✓ TLS enabled (min version %s)\n", cfg.Server.TLS.MinVersion)
	}

	srv := server.New(server.Config{
		ListenAddress:   cfg.Server.ListenAddress,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxHeaderBytes:  cfg.Server.MaxHeaderBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RequestTimeout:  cfg.Server.RequestTimeout,
		MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
		MetricsPath:     cfg.Telemetry.Metrics.Path,
		TLS:             tlsConfig,
	}, server.Dependencies{
		Admission: a.engine,
		Ingestor:  a.ingestor,
		Overrides: a.overrides,
		Tenants:   a.tenants,
		Audit:     a.recorder,
		Keys:      a.keys,
		Health:    a.health,
		Metrics:   a.collector,
		Version: server.VersionInfo{
			Version:   Version,
			Commit:    GitCommit,
			BuildTime: BuildDate,
		},
	})

	fmt.Fprintln(out)
	fmt.Fprintf(out, "✓ Server listening on %s\n", cfg.Server.ListenAddress)
	fmt.Fprintf(out, "✓ Health endpoint: %s://%s/health\n", scheme, cfg.Server.ListenAddress)
	if a.collector != nil {
		fmt.Fprintf(out, "✓ Metrics endpoint: %s://%s%s\n", scheme, cfg.Server.ListenAddress, cfg.Telemetry.Metrics.Path)
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	if err := srv.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}

	fmt.Fprintln(out, "✓ Server stopped")
	return nil
}

// seedTenants applies the tenant seed file and, if configured, starts a
// watcher that re-applies it on change. The watcher is nil when watching is
// off.
func seedTenants(ctx context.Context, a *app, cfg config.TenantsConfig) (*tenants.Watcher, error) {
	// Seed files are trusted operator input: apply them without an API key.
	svc := a.trustedTenants()

	watcher, err := tenants.NewWatcher(cfg.File, svc, tenantFileActor, cfg.Debounce)
	if err != nil {
		return nil, err
	}

	res, err := watcher.Reload(ctx)
	if err != nil {
		watcher.Stop()
		return nil, fmt.Errorf("failed to apply tenant file: %w", err)
	}
	slog.Info("tenant file applied",
		"path", cfg.File,
		"created", res.Created,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"failed", res.Failed,
	)

	if !cfg.Watch {
		watcher.Stop()
		return nil, nil
	}

	go func() {
		if err := watcher.Watch(ctx); err != nil {
			slog.Error("tenant file watcher stopped", "error", err)
		}
	}()
	return watcher, nil
}

// setupTLS loads the key pair, starts reloading it on change and registers
// an expiry readiness check. It returns nil when TLS is disabled.
func setupTLS(ctx context.Context, a *app, cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	reloader := sgtls.NewCertificateReloader(cfg.CertFile, cfg.KeyFile, cfg.ReloadInterval)
	if err := reloader.Start(ctx); err != nil {
		return nil, err
	}
	a.health.RegisterOptionalCheck("tls", reloader.CheckExpiry)

	return sgtls.ServerConfig(sgtls.Config{
		MinVersion:   cfg.MinVersion,
		CipherSuites: cfg.CipherSuites,
	}, reloader)
}

func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Spendgate v%s\n", Version)
	fmt.Fprintf(w, "Loading configuration from: %s\n", cfgFile)
	fmt.Fprintln(w, "✓ Configuration loaded")

	slog.Debug("storage backend", "backend", cfg.Storage.Backend)
	if cfg.Redis.Enabled() {
		slog.Debug("redis enabled", "addresses", cfg.Redis.Addresses)
	}
	if len(cfg.Audit.Kafka.Brokers) > 0 {
		slog.Debug("kafka audit enabled", "topic", cfg.Audit.Kafka.Topic)
	}
}

// reloadConfig re-reads --config on SIGHUP and applies its logging level
// unless --log-level pinned it. Other settings need a restart.
func reloadConfig() {
	_, next, err := config.Reload(cfgFile)
	if err != nil {
		slog.Error("configuration reload failed", "path", cfgFile, "error", err)
		return
	}
	if runFlags.logLevel == "" {
		if err := logging.SetLevel(next.Telemetry.Logging.Level); err != nil {
			slog.Error("failed to apply reloaded log level", "error", err)
			return
		}
	}
	slog.Info("configuration reloaded", "path", cfgFile, "log_level", next.Telemetry.Logging.Level)
}
