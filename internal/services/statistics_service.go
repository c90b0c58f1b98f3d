package services

import (
	"context"
	"math"
	"sort"
	"time"

	"pollster-audit/internal/models"
	"pollster-audit/pkg/logging"
	"pollster-audit/pkg/metrics"
)

// MillisPerDay converts a per-millisecond slope into a per-day slope
const MillisPerDay = 24 * 60 * 60 * 1000

// RecentWindowMonths is the trailing window used to rank firms
const RecentWindowMonths = 6

// StatisticsService computes the polling firm bias analysis
type StatisticsService struct {
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewStatisticsService creates a new statistics service
func NewStatisticsService(logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *StatisticsService {
	return &StatisticsService{
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Analyze computes overall averages and per-firm metrics, firms in display order.
// Overall averages come from the same rows the firms are compared against.
func (s *StatisticsService) Analyze(ctx context.Context, rows []models.Row, parties []string, now time.Time) models.Analysis {
	timer := s.metrics.NewTimer(s.metrics.StatsCalculationDuration)

	overall := OverallAverages(rows, parties)
	byFirm := make(map[string][]models.Row)
	for _, r := range rows {
		byFirm[r.PollingFirm] = append(byFirm[r.PollingFirm], r)
	}

	order := SortFirms(rows, now)
	firms := make([]models.FirmMetrics, 0, len(order))
	for _, firm := range order {
		firms = append(firms, FirmMetrics(firm, byFirm[firm], overall, parties))
	}

	duration := timer.ObserveDuration()

	s.logger.Debug(ctx, "[STATS_CALC_COMPLETE] Bias analysis computed", logging.Fields{
		"rows":        len(rows),
		"firms":       len(firms),
		"parties":     len(parties),
		"duration_ms": duration.Milliseconds(),
	})

	return models.Analysis{
		Parties:         parties,
		OverallAverages: overall,
		Firms:           firms,
	}
}

// OverallAverages is the mean of every present value per party; 0 when none
func OverallAverages(rows []models.Row, parties []string) map[string]float64 {
	averages := make(map[string]float64, len(parties))
	for _, p := range parties {
		total, count := 0.0, 0
		for _, r := range rows {
			if v, ok := r.Value(p); ok {
				total += v
				count++
			}
		}
		if count > 0 {
			averages[p] = total / float64(count)
		} else {
			averages[p] = 0
		}
	}
	return averages
}

// FirmMetrics summarizes one firm's rows against the overall averages
func FirmMetrics(firm string, rows []models.Row, overall map[string]float64, parties []string) models.FirmMetrics {
	fm := models.FirmMetrics{
		Firm:    firm,
		Polls:   len(rows),
		Parties: make(map[string]models.PartyMetrics, len(parties)),
	}

	for _, p := range parties {
		var xs, ys []float64
		for _, r := range rows {
			if v, ok := r.Value(p); ok {
				xs = append(xs, float64(r.Date))
				ys = append(ys, v)
			}
		}
		fm.Parties[p] = partyMetrics(xs, ys, overall[p])
	}

	marginTotal, marginCount := 0.0, 0
	for _, r := range rows {
		if r.MarginOfError != nil && !math.IsNaN(*r.MarginOfError) {
			marginTotal += *r.MarginOfError
			marginCount++
		}
	}
	denominator := float64(marginCount)
	if marginCount == 0 {
		denominator = 1
	}
	fm.Overall.AvgMargin = marginTotal / denominator

	return fm
}

func partyMetrics(dates, values []float64, overallMean float64) models.PartyMetrics {
	n := len(values)
	if n == 0 {
		return models.PartyMetrics{}
	}

	mean := Mean(values)
	std := PopulationStdDev(values, mean)

	outliers := 0
	for _, v := range values {
		if math.Abs(v-mean) > 2*std {
			outliers++
		}
	}

	return models.PartyMetrics{
		Count:        n,
		Mean:         mean,
		Std:          std,
		HouseEffect:  mean - overallMean,
		Outliers:     outliers,
		OutlierRatio: float64(outliers) / float64(n),
		TrendSlope:   OLSSlope(dates, values) * MillisPerDay,
	}
}

// Mean returns the arithmetic mean, 0 for no values
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// PopulationStdDev returns the population standard deviation around mean
func PopulationStdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

// OLSSlope fits y = a + b*x and returns b. Fewer than two points or no
// spread in x gives 0. Coordinates are centered first: raw epoch millis
// squared lose all precision in float64.
func OLSSlope(xs, ys []float64) float64 {
	n := len(xs)
	if n < 2 || len(ys) != n {
		return 0
	}

	origin := xs[0]
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i] - origin
		sumY += ys[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var sxy, sxx float64
	for i := range xs {
		dx := xs[i] - origin - meanX
		sxy += dx * (ys[i] - meanY)
		sxx += dx * dx
	}
	if sxx == 0 {
		return 0
	}
	return sxy / sxx
}

// SortFirms ranks firms by poll count in the trailing six months, busiest
// first. Firms with no recent polls follow in first-seen order.
func SortFirms(rows []models.Row, now time.Time) []string {
	cutoff := now.AddDate(0, -RecentWindowMonths, 0).UnixMilli()

	var order []string
	seen := make(map[string]bool)
	recent := make(map[string]int)
	for _, r := range rows {
		if !seen[r.PollingFirm] {
			seen[r.PollingFirm] = true
			order = append(order, r.PollingFirm)
		}
		if r.Date >= cutoff {
			recent[r.PollingFirm]++
		}
	}

	active := make([]string, 0, len(recent))
	var dormant []string
	for _, firm := range order {
		if recent[firm] > 0 {
			active = append(active, firm)
		} else {
			dormant = append(dormant, firm)
		}
	}

	sort.SliceStable(active, func(i, j int) bool {
		return recent[active[i]] > recent[active[j]]
	})

	return append(active, dormant...)
}
