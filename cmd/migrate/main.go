package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"pollster-audit/internal/config"
	"pollster-audit/internal/repository"
	"pollster-audit/pkg/database"
	"pollster-audit/pkg/logging"
	"pollster-audit/pkg/metrics"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	dbConfig := cfg.DatabaseConfig()
	if dbConfig == nil {
		fmt.Fprintln(os.Stderr, "The memory cache driver has no schema to migrate")
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("pollster-migrate", cfg.Logging.Version, logging.ParseLevel(cfg.Logging.Level))
	metricsCollector := metrics.NewCollector("pollster_migrate", prometheus.NewRegistry())

	// Connect to database
	db, err := database.Open(dbConfig, logger, metricsCollector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("Running %s migration on %s cache\n", *direction, dbConfig.Driver)

	if err := repository.Migrate(context.Background(), db, *direction); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute migration: %v\n", err)
		db.Close()
		os.Exit(1)
	}

	fmt.Println("Migration completed successfully")
}
