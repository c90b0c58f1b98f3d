package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pollster-audit/internal/models"
	"pollster-audit/pkg/database"
	"pollster-audit/pkg/logging"
	"pollster-audit/pkg/metrics"
)

// PeriodRepository caches downloaded period payloads by their source URL.
// Published periods never change, so entries are never invalidated.
type PeriodRepository interface {
	GetPeriod(ctx context.Context, url string) (*models.PeriodPayload, error)
	PutPeriod(ctx context.Context, period *models.DownloadedPeriod) error
	CountPeriods(ctx context.Context) (int, error)

	HealthCheck(ctx context.Context) error
}

// SchemaUp creates the period cache table. Valid for both postgres and sqlite.
const SchemaUp = `
CREATE TABLE IF NOT EXISTS period_cache (
	url         TEXT PRIMARY KEY,
	year        TEXT NOT NULL,
	period      TEXT NOT NULL,
	range_from  BIGINT NOT NULL,
	range_to    BIGINT NOT NULL,
	payload     TEXT NOT NULL,
	fetched_at  BIGINT NOT NULL
)`

// SchemaDown drops the period cache table
const SchemaDown = `DROP TABLE IF EXISTS period_cache`

// Migrate applies the schema in the given direction ("up" or "down")
func Migrate(ctx context.Context, db *database.DB, direction string) error {
	var stmt string
	switch direction {
	case "up":
		stmt = SchemaUp
	case "down":
		stmt = SchemaDown
	default:
		return &models.ValidationError{Field: "direction", Value: direction, Message: "direction must be up or down"}
	}
	if _, err := db.ExecContext(ctx, "migrate_"+direction, stmt); err != nil {
		return fmt.Errorf("failed to migrate %s: %w", direction, err)
	}
	return nil
}

type periodRecord struct {
	URL       string `db:"url"`
	Year      string `db:"year"`
	Period    string `db:"period"`
	RangeFrom int64  `db:"range_from"`
	RangeTo   int64  `db:"range_to"`
	Payload   string `db:"payload"`
	FetchedAt int64  `db:"fetched_at"`
}

// periodRepository implements PeriodRepository on SQL
type periodRepository struct {
	db      *database.DB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewPeriodRepository creates a SQL-backed period cache
func NewPeriodRepository(db *database.DB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) PeriodRepository {
	return &periodRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// GetPeriod returns the cached payload or a NotFoundError
func (r *periodRepository) GetPeriod(ctx context.Context, url string) (*models.PeriodPayload, error) {
	query := `
		SELECT url, year, period, range_from, range_to, payload, fetched_at
		FROM period_cache
		WHERE url = ?
	`

	var rec periodRecord
	err := r.db.GetContext(ctx, "get_period", &rec, query, url)
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{
			Resource: "period",
			ID:       url,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get period: %w", err)
	}

	var payload models.PeriodPayload
	if err := json.Unmarshal([]byte(rec.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode cached period %s: %w", url, err)
	}

	return &payload, nil
}

// PutPeriod stores a downloaded period, replacing any previous copy
func (r *periodRepository) PutPeriod(ctx context.Context, period *models.DownloadedPeriod) error {
	body, err := json.Marshal(period.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode period: %w", err)
	}

	query := `
		INSERT INTO period_cache (url, year, period, range_from, range_to, payload, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			year = excluded.year,
			period = excluded.period,
			range_from = excluded.range_from,
			range_to = excluded.range_to,
			payload = excluded.payload,
			fetched_at = excluded.fetched_at
	`

	_, err = r.db.ExecContext(ctx, "upsert_period", query,
		period.Period.URL,
		period.Year,
		period.Period.Name,
		period.Period.Range.From(),
		period.Period.Range.To(),
		string(body),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store period: %w", err)
	}

	r.logger.Debug(ctx, "[REPO_PUT_PERIOD] Period cached", logging.Fields{
		"url":    period.Period.URL,
		"year":   period.Year,
		"period": period.Period.Name,
		"rows":   len(period.Payload.Data),
	})

	return nil
}

// CountPeriods returns the number of cached periods
func (r *periodRepository) CountPeriods(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, "count_periods", &n, `SELECT COUNT(*) FROM period_cache`); err != nil {
		return 0, fmt.Errorf("failed to count periods: %w", err)
	}
	return n, nil
}

// HealthCheck checks database connectivity
func (r *periodRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// memoryPeriodRepository keeps payloads in process memory
type memoryPeriodRepository struct {
	mu      sync.RWMutex
	periods map[string][]byte
}

// NewMemoryPeriodRepository creates an in-process period cache. Payloads are
// stored encoded so callers never share mutable rows.
func NewMemoryPeriodRepository() PeriodRepository {
	return &memoryPeriodRepository{periods: make(map[string][]byte)}
}

func (r *memoryPeriodRepository) GetPeriod(_ context.Context, url string) (*models.PeriodPayload, error) {
	r.mu.RLock()
	body, ok := r.periods[url]
	r.mu.RUnlock()
	if !ok {
		return nil, &models.NotFoundError{Resource: "period", ID: url}
	}

	var payload models.PeriodPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode cached period %s: %w", url, err)
	}
	return &payload, nil
}

func (r *memoryPeriodRepository) PutPeriod(_ context.Context, period *models.DownloadedPeriod) error {
	body, err := json.Marshal(period.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode period: %w", err)
	}
	r.mu.Lock()
	r.periods[period.Period.URL] = body
	r.mu.Unlock()
	return nil
}

func (r *memoryPeriodRepository) CountPeriods(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.periods), nil
}

func (r *memoryPeriodRepository) HealthCheck(_ context.Context) error {
	return nil
}
