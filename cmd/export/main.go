package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"pollster-audit/internal/config"
	"pollster-audit/internal/export"
	"pollster-audit/internal/models"
	"pollster-audit/internal/repository"
	"pollster-audit/internal/services"
	"pollster-audit/pkg/database"
	"pollster-audit/pkg/logging"
	"pollster-audit/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	startFlag := flag.String("start", "", "First day to export (YYYY-MM-DD); defaults to the start of the latest year")
	endFlag := flag.String("end", "", "Last day to export (YYYY-MM-DD); defaults to the end of the latest year")
	outDir := flag.String("out-dir", "./export", "Directory for polls.parquet and firm_metrics.xlsx")
	lang := flag.String("lang", "", "Label language of the workbook headers")
	flag.Parse()

	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("pollster-export", cfg.Logging.Version, logging.ParseLevel(cfg.Logging.Level))
	metricsCollector := metrics.NewCollector("pollster_export", prometheus.NewRegistry())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[EXPORT_START] Starting snapshot export", logging.Fields{
		"index_url": cfg.Upstream.IndexURL,
		"out_dir":   *outDir,
	})

	// A configured SQL cache saves the upstream round trips
	cache := repository.NewMemoryPeriodRepository()
	if dbConfig := cfg.DatabaseConfig(); dbConfig != nil {
		db, err := database.Open(dbConfig, logger, metricsCollector)
		if err != nil {
			logger.Fatal(ctx, "[EXPORT_ERROR] Failed to open period cache", logging.Fields{}, err)
		}
		defer db.Close()
		if err := repository.Migrate(ctx, db, "up"); err != nil {
			logger.Fatal(ctx, "[EXPORT_ERROR] Failed to migrate period cache", logging.Fields{}, err)
		}
		cache = repository.NewPeriodRepository(db, logger, metricsCollector)
	}

	var limiter *rate.Limiter
	if cfg.Upstream.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Upstream.RequestsPerSecond), max(cfg.Upstream.Burst, 1))
	}
	fetcher := services.NewFetcher(services.FetcherConfig{
		IndexURL:       cfg.Upstream.IndexURL,
		IndexCooldown:  cfg.Upstream.IndexCooldown,
		RequestTimeout: cfg.Upstream.RequestTimeout,
	}, &http.Client{Timeout: cfg.Upstream.RequestTimeout}, limiter, cache, logger, metricsCollector)

	if _, err := fetcher.LoadIndex(ctx); err != nil {
		logger.Fatal(ctx, "[EXPORT_ERROR] Failed to load index", logging.Fields{}, err)
	}

	window, err := exportWindow(fetcher.Index(), *startFlag, *endFlag)
	if err != nil {
		logger.Fatal(ctx, "[EXPORT_ERROR] Invalid export range", logging.Fields{}, err)
	}

	if _, err := fetcher.EnsureRangeFetched(ctx, window.Min(), window.Max()); err != nil {
		logger.Fatal(ctx, "[EXPORT_ERROR] Failed to fetch periods", logging.Fields{}, err)
	}

	parties := cfg.PartyNames()
	rows := services.NewDatasetService(logger, metricsCollector).BuildDataset(ctx, fetcher.Periods(), window, &services.Extent{})
	analysis := services.NewStatisticsService(logger, metricsCollector).Analyze(ctx, rows, parties, time.Now())

	language := *lang
	if language == "" {
		language = cfg.DefaultLanguage
	}

	parquetPath := filepath.Join(*outDir, "polls.parquet")
	records := export.Records(rows, parties)
	if err := export.WriteParquet(parquetPath, records); err != nil {
		logger.Fatal(ctx, "[EXPORT_ERROR] Failed to write Parquet snapshot", logging.Fields{}, err)
	}

	workbookPath := filepath.Join(*outDir, "firm_metrics.xlsx")
	if err := export.WriteWorkbook(workbookPath, analysis, cfg.LabelsFor(language)); err != nil {
		logger.Fatal(ctx, "[EXPORT_ERROR] Failed to write workbook", logging.Fields{}, err)
	}

	logger.Info(ctx, "[EXPORT_COMPLETE] Snapshot written", logging.Fields{
		"start":    models.FormatDate(window.Start),
		"end":      models.FormatDate(window.End),
		"rows":     len(rows),
		"records":  len(records),
		"firms":    len(analysis.Firms),
		"parquet":  parquetPath,
		"workbook": workbookPath,
	})
}

// exportWindow resolves the flag inputs, defaulting each open side to the
// latest manifest year
func exportWindow(index *models.Index, startInput, endInput string) (models.Window, error) {
	var w models.Window
	if latest := index.LatestYear(); latest != nil {
		w = models.WindowFromMillis(latest.Range.From(), latest.Range.To())
	}

	if startInput != "" {
		start, err := models.ParseDate("start", startInput)
		if err != nil {
			return w, err
		}
		w.Start = start
	}
	if endInput != "" {
		end, err := models.ParseDate("end", endInput)
		if err != nil {
			return w, err
		}
		w.End = end
	}

	if w.Start.IsZero() || w.End.IsZero() {
		return w, &models.ValidationError{Field: "range", Message: "the manifest lists no years; pass -start and -end"}
	}
	if w.Start.After(w.End) {
		return w, &models.ValidationError{Field: "start", Value: startInput, Message: "start must be on or before end"}
	}
	return w, nil
}
