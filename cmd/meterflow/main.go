package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/meterflow/internal/observability"
	"github.com/user/meterflow/internal/poller"
	"github.com/user/meterflow/internal/provider"
	"github.com/user/meterflow/internal/reconciler"
	"github.com/user/meterflow/internal/runner"
	"github.com/user/meterflow/internal/server"
	"github.com/user/meterflow/internal/store"
)

var logLevel string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meterflow",
	Short: "Meterflow is metered orchestration for asynchronous generation jobs",
	Long:  "Runs remote generation jobs against prepaid token accounts: hold, submit, poll, then commit or refund.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the meterflow server",
	RunE:  runServe,
}

var (
	bindAddr        string
	dataDir         string
	providersConfig string
	shutdownTimeout time.Duration

	authAPIKey    string
	authJWTSecret string

	rateLimitEnabled    bool
	rateLimitReadRPS    float64
	rateLimitReadBurst  int
	rateLimitWriteRPS   float64
	rateLimitWriteBurst int

	pollInterval    time.Duration
	pollMaxInterval time.Duration
	pollGrowth      float64
	pollDeadline    time.Duration

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration

	reconcileInterval   time.Duration
	reconcileStaleAfter time.Duration

	otelEnabled     bool
	otelEndpoint    string
	otelSampleRatio float64
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for SQLite database files")
	serveCmd.Flags().StringVar(&providersConfig, "providers-config", "", "Path to the YAML provider configuration")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout")

	serveCmd.Flags().StringVar(&authAPIKey, "api-key", "", "Require this API key in X-API-Key (or set METERFLOW_API_KEY)")
	serveCmd.Flags().StringVar(&authJWTSecret, "jwt-secret", "", "Accept HS256 bearer tokens signed with this secret (or set METERFLOW_JWT_SECRET)")

	serveCmd.Flags().BoolVar(&rateLimitEnabled, "rate-limit-enabled", true, "Enable server-side per-client request rate limiting")
	serveCmd.Flags().Float64Var(&rateLimitReadRPS, "rate-limit-read-rps", 100, "Per-client sustained read requests/sec")
	serveCmd.Flags().IntVar(&rateLimitReadBurst, "rate-limit-read-burst", 200, "Per-client read burst tokens")
	serveCmd.Flags().Float64Var(&rateLimitWriteRPS, "rate-limit-write-rps", 20, "Per-client sustained write requests/sec")
	serveCmd.Flags().IntVar(&rateLimitWriteBurst, "rate-limit-write-burst", 40, "Per-client write burst tokens")

	serveCmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "First wait before polling a submitted job")
	serveCmd.Flags().DurationVar(&pollMaxInterval, "poll-max-interval", 30*time.Second, "Cap for the grown poll interval")
	serveCmd.Flags().Float64Var(&pollGrowth, "poll-growth", 1.5, "Poll interval multiplier per poll")
	serveCmd.Flags().DurationVar(&pollDeadline, "poll-deadline", 15*time.Minute, "Wall-clock budget per job before it times out")

	serveCmd.Flags().IntVar(&retryMaxAttempts, "retry-max-attempts", 5, "Max retries for transient provider failures")
	serveCmd.Flags().DurationVar(&retryBaseDelay, "retry-base-delay", 500*time.Millisecond, "Base delay for exponential retry backoff")
	serveCmd.Flags().DurationVar(&retryMaxDelay, "retry-max-delay", 30*time.Second, "Cap for the retry backoff delay")

	serveCmd.Flags().DurationVar(&reconcileInterval, "reconcile-interval", time.Minute, "How often to sweep abandoned in-flight jobs")
	serveCmd.Flags().DurationVar(&reconcileStaleAfter, "reconcile-stale-after", 30*time.Minute, "Age past which an in-flight job is treated as abandoned")

	serveCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serveCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	serveCmd.Flags().Float64Var(&otelSampleRatio, "otel-sample-ratio", 1, "Fraction of traces to keep")

	rootCmd.AddCommand(serveCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func runServe(cmd *cobra.Command, args []string) error {
	slog.Info("starting meterflow server",
		"bind", bindAddr,
		"data_dir", dataDir,
		"providers_config", providersConfig,
		"poll_interval", pollInterval,
		"poll_deadline", pollDeadline,
		"reconcile_interval", reconcileInterval,
		"otel_enabled", otelEnabled,
	)

	otelShutdown, err := observability.InitTracing(observability.TracingConfig{
		Enabled:     otelEnabled,
		Service:     "meterflow-server",
		Endpoint:    otelEndpoint,
		SampleRatio: otelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	db, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	st := store.NewStore(db)

	var provFile *provider.File
	if strings.TrimSpace(providersConfig) != "" {
		provFile, err = provider.LoadFile(providersConfig)
		if err != nil {
			return err
		}
	} else {
		slog.Warn("no providers configured; job submission will fail until --providers-config is set")
	}
	registry, err := provider.NewRegistry(provFile)
	if err != nil {
		return fmt.Errorf("configure providers: %w", err)
	}

	retry := provider.Policy{
		MaxAttempts: retryMaxAttempts,
		BaseDelay:   retryBaseDelay,
		MaxDelay:    retryMaxDelay,
	}
	p := poller.New(poller.Config{
		Interval:    pollInterval,
		MaxInterval: pollMaxInterval,
		Growth:      pollGrowth,
		Deadline:    pollDeadline,
		Retry:       retry,
	}, slog.Default())
	run := runner.New(st, registry, p, retry, slog.Default())

	recCtx, recCancel := context.WithCancel(context.Background())
	defer recCancel()
	rec := reconciler.New(st, run, reconciler.Config{
		Interval:   reconcileInterval,
		StaleAfter: reconcileStaleAfter,
	})
	go rec.Run(recCtx)

	opts := []server.Option{}
	apiKey := strings.TrimSpace(authAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("METERFLOW_API_KEY"))
	}
	jwtSecret := strings.TrimSpace(authJWTSecret)
	if jwtSecret == "" {
		jwtSecret = strings.TrimSpace(os.Getenv("METERFLOW_JWT_SECRET"))
	}
	if apiKey != "" || jwtSecret != "" {
		opts = append(opts, server.WithAuth(server.AuthConfig{APIKey: apiKey, JWTSecret: jwtSecret}))
		slog.Info("authentication enabled")
	} else {
		slog.Warn("no authentication configured; the API is open")
	}
	if rateLimitEnabled {
		opts = append(opts, server.WithRateLimit(server.RateLimitConfig{
			ReadRPS:    rateLimitReadRPS,
			ReadBurst:  rateLimitReadBurst,
			WriteRPS:   rateLimitWriteRPS,
			WriteBurst: rateLimitWriteBurst,
		}))
	}

	srv := server.New(st, run, registry, bindAddr, opts...)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("meterflow server ready", "bind", bindAddr, "providers", registry.Names())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	slog.Info("stopping reconciler")
	recCancel()

	slog.Info("meterflow server stopped")
	return nil
}
