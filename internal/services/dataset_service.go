package services

import (
	"context"
	"strings"
	"sync"

	"pollster-audit/internal/models"
	"pollster-audit/pkg/logging"
	"pollster-audit/pkg/metrics"
)

// Extent is the span of every row date seen so far. It only ever widens,
// because the full span is discovered one period at a time.
type Extent struct {
	mu    sync.RWMutex
	min   int64
	max   int64
	known bool
}

// Observe widens the extent to include ts
func (e *Extent) Observe(ts int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.known {
		e.min, e.max, e.known = ts, ts, true
		return
	}
	if ts < e.min {
		e.min = ts
	}
	if ts > e.max {
		e.max = ts
	}
}

// Bounds returns the extent; ok is false until a row has been seen
func (e *Extent) Bounds() (min, max int64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.min, e.max, e.known
}

// Window returns the extent as a window
func (e *Extent) Window() (models.Window, bool) {
	min, max, ok := e.Bounds()
	if !ok {
		return models.Window{}, false
	}
	return models.WindowFromMillis(min, max), true
}

// DatasetService flattens downloaded periods into normalized rows
type DatasetService struct {
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewDatasetService creates a new dataset service
func NewDatasetService(logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *DatasetService {
	return &DatasetService{
		logger:  logger,
		metrics: metricsCollector,
	}
}

// BuildDataset re-keys every period row through that period's own headings
// and keeps the rows inside window. Filtering is skipped while the window is
// degenerate. Every processed row widens extent, filtered or not.
func (s *DatasetService) BuildDataset(ctx context.Context, periods []models.DownloadedPeriod, window models.Window, extent *Extent) []models.Row {
	timer := s.metrics.NewTimer(s.metrics.DatasetBuildDuration)
	defer timer.ObserveDuration()

	filter := !window.Degenerate()
	rows := make([]models.Row, 0)
	skipped := 0

	for _, dp := range periods {
		if dp.Payload == nil {
			continue
		}
		schema := dp.Payload.Schema()

		for _, raw := range dp.Payload.Data {
			row, ok := normalizeRow(schema, raw)
			if !ok {
				skipped++
				continue
			}
			if extent != nil {
				extent.Observe(row.Date)
			}
			if filter && !window.Contains(row.Date) {
				continue
			}
			rows = append(rows, row)
		}
	}

	s.metrics.DatasetRows.Observe(float64(len(rows)))

	if skipped > 0 {
		s.logger.Warn(ctx, "[DATASET_SKIPPED_ROWS] Rows without a usable date were skipped", logging.Fields{
			"skipped": skipped,
		})
	}
	s.logger.Debug(ctx, "[DATASET_BUILT] Dataset rebuilt", logging.Fields{
		"periods":  len(periods),
		"rows":     len(rows),
		"filtered": filter,
	})

	return rows
}

func normalizeRow(schema *models.Schema, raw []any) (models.Row, bool) {
	date, ok := dateValue(schema.Cell(raw, models.HeadingDate))
	if !ok {
		return models.Row{}, false
	}

	row := models.Row{
		PollingFirm: strings.TrimSpace(models.StringValue(schema.Cell(raw, models.HeadingPollingFirm))),
		Date:        date,
		Values:      make(map[string]float64),
	}
	if v, ok := models.NumericValue(schema.Cell(raw, models.HeadingMarginOfError)); ok {
		row.MarginOfError = models.Float(v)
	}
	if v, ok := models.NumericValue(schema.Cell(raw, models.HeadingSampleSize)); ok {
		row.SampleSize = models.Float(v)
	}

	for i, heading := range schema.Headings {
		if models.IsStandardHeading(heading) || i >= len(raw) {
			continue
		}
		if v, ok := models.NumericValue(raw[i]); ok {
			row.Values[heading] = v
		}
	}

	return row, true
}

// dateValue accepts epoch millis or a YYYY-MM-DD string
func dateValue(cell any) (int64, bool) {
	if v, ok := models.NumericValue(cell); ok {
		return int64(v), true
	}
	s, ok := cell.(string)
	if !ok || s == "" {
		return 0, false
	}
	t, err := models.ParseDate(models.HeadingDate, s)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}

// Firms returns the distinct firms in first-seen order
func Firms(rows []models.Row) []string {
	seen := make(map[string]bool)
	var firms []string
	for _, r := range rows {
		if r.PollingFirm == "" || seen[r.PollingFirm] {
			continue
		}
		seen[r.PollingFirm] = true
		firms = append(firms, r.PollingFirm)
	}
	return firms
}

// SeriesNames returns the distinct series columns of the periods in manifest order
func SeriesNames(periods []models.DownloadedPeriod) []string {
	seen := make(map[string]bool)
	var names []string
	for _, dp := range periods {
		if dp.Payload == nil {
			continue
		}
		for _, h := range dp.Payload.Headings {
			if models.IsStandardHeading(h) || seen[h] {
				continue
			}
			seen[h] = true
			names = append(names, h)
		}
	}
	return names
}
