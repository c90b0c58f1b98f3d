package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"pollster-audit/internal/config"
	"pollster-audit/internal/handlers"
	"pollster-audit/internal/repository"
	"pollster-audit/internal/services"
	"pollster-audit/internal/session"
	"pollster-audit/pkg/database"
	"pollster-audit/pkg/logging"
	"pollster-audit/pkg/metrics"
)

func main() {
	configPath := flag.String("config", envOr("POLLSTER_CONFIG", "config.yaml"), "Path to the YAML config file")
	flag.Parse()

	// A missing .env file is fine
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.NewStructuredLogger(cfg.Logging.Service, cfg.Logging.Version, logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting pollster audit server", logging.Fields{
		"version":      cfg.Logging.Version,
		"address":      cfg.Address(),
		"index_url":    cfg.Upstream.IndexURL,
		"cache_driver": cfg.Cache.Driver,
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("pollster_audit", prometheus.DefaultRegisterer)

	// Initialize period cache
	cache := repository.NewMemoryPeriodRepository()
	if dbConfig := cfg.DatabaseConfig(); dbConfig != nil {
		db, err := database.Open(dbConfig, logger, metricsCollector)
		if err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to open period cache", logging.Fields{
				"driver": dbConfig.Driver,
			}, err)
		}
		defer db.Close()

		if err := repository.Migrate(ctx, db, "up"); err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to migrate period cache", logging.Fields{}, err)
		}
		cache = repository.NewPeriodRepository(db, logger, metricsCollector)
	}

	// Upstream access shared by every session
	var limiter *rate.Limiter
	if cfg.Upstream.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Upstream.RequestsPerSecond), max(cfg.Upstream.Burst, 1))
	}
	factory := &session.Factory{
		Fetcher: services.FetcherConfig{
			IndexURL:       cfg.Upstream.IndexURL,
			IndexCooldown:  cfg.Upstream.IndexCooldown,
			RequestTimeout: cfg.Upstream.RequestTimeout,
		},
		Client:  &http.Client{Timeout: cfg.Upstream.RequestTimeout},
		Limiter: limiter,
		Cache:   cache,
		Parties: cfg.PartyNames(),
		Palette: cfg.Palette(),
		Labels:  cfg.LabelsFor,
		Logger:  logger,
		Metrics: metricsCollector,
		Dataset: services.NewDatasetService(logger, metricsCollector),
		Stats:   services.NewStatisticsService(logger, metricsCollector),
	}

	store := session.NewStore(session.StoreConfig{
		IdleTTL:     cfg.Session.IdleTTL,
		MaxSessions: cfg.Session.MaxSessions,
	}, logger, metricsCollector)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go store.Run(janitorCtx, cfg.Session.JanitorInterval)

	// Initialize handlers
	sessionHandler := handlers.NewSessionHandler(handlers.Config{
		DefaultLanguage: cfg.DefaultLanguage,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, store, factory, cache, logger, metricsCollector)

	// Setup router
	router := mux.NewRouter()
	router.Use(handlers.Instrument(logger, metricsCollector))
	sessionHandler.RegisterRoutes(router)

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{
		"sessions": store.Len(),
	})

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	stopJanitor()
	// Closing sessions ends their event streams so hijacked connections drain
	store.CloseAll()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
