package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mrajcok/watchtower/pkg/api"
	"github.com/mrajcok/watchtower/pkg/config"
	"github.com/mrajcok/watchtower/pkg/monitoring"
	"github.com/mrajcok/watchtower/pkg/query"
	"github.com/mrajcok/watchtower/pkg/resource"
	"github.com/mrajcok/watchtower/pkg/runtime"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
	httpPort   int

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "watchtowerd",
		Short: "Watchtower database gateway",
		Long: `Watchtower serves named database queries over HTTP. Each backend
resource has a bounded connection pool and an admission limiter so that
bursts of requests queue or fail fast instead of overwhelming the database.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:         runServer,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, text, console)")
	rootCmd.PersistentFlags().IntVarP(&httpPort, "port", "p", 0, "HTTP server port")

	rootCmd.AddCommand(&cobra.Command{
		Use:          "serve",
		Short:        "Run the gateway (default)",
		RunE:         runServer,
		SilenceUsage: true,
	})
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// loadConfig loads the config file and applies command line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if httpPort > 0 {
		cfg.Server.Port = httpPort
	}
	return cfg, cfg.Validate()
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, logCloser, err := monitoring.SetupLogging(monitoring.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     monitoring.LogFormat(cfg.Logging.Format),
		OutputFile: cfg.Logging.OutputFile,
	})
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Strs("resources", cfg.ResourceIDs()).
		Msg("Starting watchtower gateway")

	if err := cfg.CreateDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, err := newGateway(ctx, cfg)
	if err != nil {
		return err
	}
	if err := gw.start(ctx); err != nil {
		return err
	}

	watcher := config.NewWatcher(configFile, cfg, gw.applyConfig)
	go watcher.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	if err := gw.stop(watcher.Current()); err != nil {
		logger.Error().Err(err).Msg("Gateway shutdown with error")
		return err
	}

	logger.Info().Msg("Gateway shutdown complete")
	return nil
}

// gateway wires the resource manager, query runner and HTTP server together
type gateway struct {
	cfg     *config.Config
	rc      *runtime.Context
	metrics *monitoring.GatewayMetrics
	health  *monitoring.HealthRegistry
	tracing *monitoring.TracingManager
	manager *resource.Manager
	server  *api.Server
	cancel  context.CancelFunc
}

func newGateway(ctx context.Context, cfg *config.Config, opts ...resource.Option) (*gateway, error) {
	tracing, err := monitoring.NewTracingManager(ctx, &monitoring.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Exporter:       monitoring.TracingExporter(cfg.Tracing.Exporter),
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SamplingRatio:  cfg.Tracing.SamplingRatio,
	})
	if err != nil {
		return nil, err
	}

	registry := monitoring.NewMetricsRegistry(&monitoring.MetricsConfig{
		Enabled:      cfg.Metrics.Enabled,
		Path:         cfg.Metrics.Path,
		Namespace:    cfg.Metrics.Namespace,
		CustomLabels: map[string]string{},
	})
	metrics, err := monitoring.NewGatewayMetrics(registry)
	if err != nil {
		return nil, err
	}

	rc := runtime.NewContext()
	manager, err := resource.NewManager(cfg, rc, metrics, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager: %w", err)
	}

	health := monitoring.NewHealthRegistry(5*time.Second, version)
	for _, checker := range manager.HealthCheckers() {
		health.RegisterChecker(checker)
	}

	runner := query.NewRunner(metrics, tracing.Tracer())
	server := api.NewServer(cfg, manager, runner, api.Options{
		Metrics: metrics,
		Health:  health,
		Tracing: tracing,
	})

	return &gateway{
		cfg:     cfg,
		rc:      rc,
		metrics: metrics,
		health:  health,
		tracing: tracing,
		manager: manager,
		server:  server,
	}, nil
}

// start launches the pool replenishers and the HTTP listener
func (g *gateway) start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)
	g.manager.Start(ctx)
	if err := g.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// applyConfig pushes a reloaded configuration to every component
func (g *gateway) applyConfig(cfg *config.Config) {
	if err := monitoring.SetLevel(cfg.Logging.Level); err != nil {
		log.Warn().Err(err).Msg("Ignoring invalid log level")
	}
	g.manager.ApplyConfig(cfg)
	g.server.ApplyConfig(cfg)
	log.Info().Msg("Configuration reloaded")
}

// stop drains the resources, then stops the HTTP server and flushes traces
func (g *gateway) stop(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracefulTimeout)
	defer cancel()

	var firstErr error
	if err := g.manager.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := g.server.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if g.cancel != nil {
		g.cancel()
	}
	if err := g.tracing.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			path := outputPath
			if path == "" {
				path = "watchtower.yaml"
			}

			if err := cfg.SaveConfig(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration: %s\n", path)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (.yaml or .toml)")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			printConfigSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)
	return cmd
}

func printConfigSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Configuration is valid\n")
	fmt.Fprintf(w, "Server: %s on %s:%d\n", cfg.Server.Name, cfg.Server.Address, cfg.Server.Port)
	fmt.Fprintf(w, "Resources: %d\n", len(cfg.Resources))
	for _, id := range resourceIDs(cfg) {
		rc := cfg.Resources[id]
		fmt.Fprintf(w, "  %s: %s (pool %d-%d, active %d, pending %d)\n",
			id, rc.DBType, rc.MinPoolSize, rc.MaxPoolSize, rc.MaxActiveRequests, rc.MaxPendingRequests)
	}
	fmt.Fprintf(w, "Queries: %d\n", len(cfg.Queries))
}

func resourceIDs(cfg *config.Config) []string {
	ids := cfg.ResourceIDs()
	sort.Strings(ids)
	return ids
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Watchtower database gateway\n")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}
