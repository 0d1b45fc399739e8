package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lunary-metrics/internal/aggregator"
	"lunary-metrics/internal/billing"
	"lunary-metrics/internal/config"
	"lunary-metrics/internal/database"
	"lunary-metrics/internal/events"
	"lunary-metrics/internal/funnel"
	"lunary-metrics/internal/handlers"
	"lunary-metrics/internal/metrics"
	"lunary-metrics/internal/middleware"
	"lunary-metrics/internal/notify"
	"lunary-metrics/internal/pipeline"
	"lunary-metrics/internal/tracking"
)

func main() {
	// Define CLI flags
	backfillDays := flag.Int("backfill-days", 0, "Run a one-shot backfill for the last N days and exit")

	flag.Parse()

	// Check if any CLI command was requested
	if *backfillDays > 0 {
		runBackfillCLI(*backfillDays)
		return
	}

	// Otherwise, start the server
	runServer()
}

// app wires the full dependency graph once for both the server and the CLI.
type app struct {
	cfg      *config.Config
	db       *database.DB
	agg      *aggregator.Aggregator
	pipeline *pipeline.Pipeline
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Init(); err != nil {
		db.Close()
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.ReportTimezone)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load report timezone: %w", err)
	}

	store := events.NewStore(db, cfg.TestEmailExact, cfg.TestEmailPattern)
	agg := aggregator.New(db, store, logger, cfg.QueryTimeout)
	funnelCalc := funnel.New(store, logger, funnel.DefaultActivationTypes, funnel.DefaultPlanChangeTypes)

	var billingSource billing.MetricsSource
	if cfg.BillingMetricsURL != "" {
		billingSource = billing.NewClient(cfg.BillingMetricsURL, logger)
	} else {
		billingSource = &billing.Noop{Logger: logger}
	}

	var notifier notify.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, logger)
	} else {
		notifier = &notify.LogNotifier{Logger: logger}
	}

	p := pipeline.New(db, store, agg, funnelCalc, billingSource, notifier,
		tracking.NullSink{}, logger, loc, cfg.QueryTimeout)

	return &app{cfg: cfg, db: db, agg: agg, pipeline: p}, nil
}

func runBackfillCLI(days int) {
	// Text logging for CLI use
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if days > cfg.BackfillMaxDays {
		fmt.Fprintf(os.Stderr, "Error: days exceeds BACKFILL_MAX_DAYS (%d)\n", cfg.BackfillMaxDays)
		os.Exit(1)
	}

	application, err := buildApp(cfg, slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer application.db.Close()

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	result, err := application.agg.Backfill(context.Background(), start, end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Backfill failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Backfilled %d day(s)\n", result.DaysProcessed)
	if len(result.Failures) > 0 {
		fmt.Printf("%d segment failure(s):\n", len(result.Failures))
		for _, failure := range result.Failures {
			fmt.Printf("  %s %s: %s\n", failure.Date, failure.Segment, failure.Error)
		}
		os.Exit(1)
	}
}

func runServer() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Set up logger
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting lunary-metrics server",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.DatabasePath,
		"timezone", cfg.ReportTimezone,
		"log_level", cfg.LogLevel)

	application, err := buildApp(cfg, logger)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}
	defer application.db.Close()

	logger.Info("Database opened successfully")

	// Create handlers
	cronHandler := handlers.NewCronHandler(application.agg, application.pipeline, cfg)

	// Set up HTTP routes
	mux := http.NewServeMux()

	// Cron trigger endpoints
	mux.Handle("/cron/backfill", middleware.Instrument(metrics.EndpointBackfill, cronHandler.HandleBackfill))
	mux.Handle("/cron/weekly", middleware.Instrument(metrics.EndpointWeekly, cronHandler.HandleWeekly))

	// Health check endpoint
	mux.Handle("/health", middleware.Instrument(metrics.EndpointHealth, func(w http.ResponseWriter, r *http.Request) {
		if err := application.db.Health(); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	// Create HTTP server. Backfill and weekly runs can be slow, so the
	// write timeout is generous.
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	collectorCtx, collectorCancel := context.WithCancel(context.Background())
	defer collectorCancel()

	// Start snapshot freshness collector if metrics are enabled
	if cfg.MetricsEnabled {
		go func() {
			logger.Info("Starting snapshot freshness collector")
			metrics.StartSnapshotFreshnessCollector(collectorCtx, application.db, 60*time.Second)
		}()
	}

	// Start metrics server if enabled
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		metricsAddr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)
		metricsServer = &http.Server{
			Addr:    metricsAddr,
			Handler: metricsMux,
		}

		go func() {
			logger.Info("Metrics server listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Start HTTP server in background
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	collectorCancel()

	// Shutdown HTTP servers with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("Server stopped")
}
