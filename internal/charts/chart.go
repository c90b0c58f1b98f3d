// Package charts shapes normalized rows and firm metrics into chart specs
// for the browser charting library, and tracks the chart instances that are
// currently on screen.
package charts

import (
	"fmt"
	"regexp"
	"sort"

	"pollster-audit/internal/models"
	"pollster-audit/internal/weights"
)

// GeneralChartID is the ID of the all-parties chart
const GeneralChartID = "generalChart"

const (
	trendChartPrefix   = "chart-firmTrend-"
	boxplotChartPrefix = "chart-boxplot-"

	dimSuffix    = "66"
	outlierColor = "#666666"
	defaultColor = "#999999"
)

// Group separates the charts that are rebuilt together
type Group string

const (
	GroupGeneral Group = "general"
	GroupBias    Group = "bias"
)

// Chart types understood by the browser layer
const (
	TypeLine    = "line"
	TypeBoxplot = "boxplot"
)

// Range is a visible x-axis range in epoch millis
type Range struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// Point is an unweighted chart point
type Point struct {
	X int64   `json:"x"`
	Y float64 `json:"y"`
}

// Trendline configures the weighted local regression drawn over a chart
type Trendline struct {
	Type        string  `json:"type"`
	Span        float64 `json:"span"`
	Degree      int     `json:"degree"`
	BorderWidth int     `json:"border_width"`
	WeightField string  `json:"weight_field"`
}

// Dataset is one series of a chart. Exactly one of Points, Line and Values
// is set, depending on the chart.
type Dataset struct {
	Label           string                 `json:"label"`
	Points          []models.WeightedPoint `json:"points,omitempty"`
	Line            []Point                `json:"line,omitempty"`
	Values          [][]float64            `json:"values,omitempty"`
	BorderColor     string                 `json:"border_color"`
	BackgroundColor string                 `json:"background_color"`
	PointColor      string                 `json:"point_color,omitempty"`
	OutlierColor    string                 `json:"outlier_color,omitempty"`
	BorderWidth     int                    `json:"border_width"`
	PointRadius     int                    `json:"point_radius"`
	ShowLine        bool                   `json:"show_line"`
	HideTrendline   bool                   `json:"hide_trendline,omitempty"`
}

// Chart is a complete chart spec
type Chart struct {
	ID        string     `json:"id"`
	Group     Group      `json:"group"`
	Type      string     `json:"type"`
	Firm      string     `json:"firm,omitempty"`
	Title     string     `json:"title"`
	XTitle    string     `json:"x_title,omitempty"`
	YTitle    string     `json:"y_title,omitempty"`
	Labels    []string   `json:"labels,omitempty"`
	Datasets  []Dataset  `json:"datasets"`
	XOffset   bool       `json:"x_offset"`
	Visible   *Range     `json:"visible,omitempty"`
	Trendline *Trendline `json:"trendline,omitempty"`
	Locale    string     `json:"locale"`
}

// MetricsTable is the formatted per-party metrics of one firm
type MetricsTable struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// FirmPanel is the bias analysis block of one firm
type FirmPanel struct {
	Firm           string       `json:"firm"`
	Title          string       `json:"title"`
	Table          MetricsTable `json:"table"`
	TrendChartID   string       `json:"trend_chart_id"`
	BoxplotChartID string       `json:"boxplot_chart_id"`
}

// Options carry the presentation settings shared by every chart
type Options struct {
	Parties []string
	Palette map[string]string
	Labels  models.Labels
	Padding bool
	Window  models.Window
}

func (o Options) color(party string) string {
	if c, ok := o.Palette[party]; ok && c != "" {
		return c
	}
	return defaultColor
}

func (o Options) dimColor(party string) string {
	return o.color(party) + dimSuffix
}

func (o Options) visible() *Range {
	if o.Window.Start.IsZero() && o.Window.End.IsZero() {
		return nil
	}
	return &Range{Min: o.Window.Min(), Max: o.Window.Max()}
}

var whitespace = regexp.MustCompile(`\s+`)

// TrendChartID is the DOM-safe ID of a firm's trend chart
func TrendChartID(firm string) string {
	return trendChartPrefix + whitespace.ReplaceAllString(firm, "_")
}

// BoxplotChartID is the DOM-safe ID of a firm's distribution chart
func BoxplotChartID(firm string) string {
	return boxplotChartPrefix + whitespace.ReplaceAllString(firm, "_")
}

// BuildGeneral builds the all-parties chart: weighted points per party under
// a weighted local trendline. When selectedFirm is set the party points are
// dimmed and that firm's readings are overlaid without a trendline.
func BuildGeneral(rows []models.Row, selectedFirm string, opts Options) *Chart {
	highlight := selectedFirm != ""
	weightFn := weights.Default()

	datasets := make([]Dataset, 0, len(opts.Parties)*2)
	for _, party := range opts.Parties {
		points := make([]models.WeightedPoint, 0, len(rows))
		for _, r := range rows {
			v, ok := r.Value(party)
			if !ok {
				continue
			}
			points = append(points, models.WeightedPoint{
				X:             r.Date,
				Y:             v,
				Firm:          r.PollingFirm,
				SampleSize:    r.SampleSize,
				MarginOfError: r.MarginOfError,
			})
		}
		sort.SliceStable(points, func(i, j int) bool { return points[i].X < points[j].X })

		ds := Dataset{
			Label:           party,
			Points:          weights.Apply(points, weightFn),
			BorderColor:     opts.color(party),
			BackgroundColor: opts.color(party),
			PointColor:      opts.dimColor(party),
			BorderWidth:     2,
			PointRadius:     2,
		}
		if highlight {
			ds.BorderColor = opts.dimColor(party)
			ds.BackgroundColor = opts.dimColor(party)
			ds.BorderWidth = 1
		}
		datasets = append(datasets, ds)
	}

	if highlight {
		for _, party := range opts.Parties {
			line := partyLine(rows, party, func(r models.Row) bool { return r.PollingFirm == selectedFirm })
			if len(line) == 0 {
				continue
			}
			datasets = append(datasets, Dataset{
				Label:           fmt.Sprintf("%s (%s)", party, selectedFirm),
				Line:            line,
				BorderColor:     opts.color(party),
				BackgroundColor: opts.color(party),
				PointColor:      opts.color(party),
				BorderWidth:     2,
				PointRadius:     3,
				HideTrendline:   true,
			})
		}
	}

	return &Chart{
		ID:       GeneralChartID,
		Group:    GroupGeneral,
		Type:     TypeLine,
		Title:    opts.Labels.FirmTrendOverTime,
		XTitle:   opts.Labels.Date,
		YTitle:   opts.Labels.PollingPercentage,
		Datasets: datasets,
		XOffset:  opts.Padding,
		Visible:  opts.visible(),
		Trendline: &Trendline{
			Type:        "local",
			Span:        0.25,
			Degree:      2,
			BorderWidth: 2,
			WeightField: "weight",
		},
		Locale: opts.Labels.Locale,
	}
}

// BuildBias builds, per firm in analysis order, the metrics table, a trend
// chart and a distribution box plot
func BuildBias(rows []models.Row, analysis models.Analysis, opts Options) ([]FirmPanel, []*Chart) {
	byFirm := make(map[string][]models.Row)
	for _, r := range rows {
		byFirm[r.PollingFirm] = append(byFirm[r.PollingFirm], r)
	}

	panels := make([]FirmPanel, 0, len(analysis.Firms))
	charts := make([]*Chart, 0, len(analysis.Firms)*2)
	for _, fm := range analysis.Firms {
		firmRows := byFirm[fm.Firm]

		panels = append(panels, FirmPanel{
			Firm:           fm.Firm,
			Title:          fmt.Sprintf("%s: %s", opts.Labels.PollingFirm, fm.Firm),
			Table:          MetricsTableFor(fm, opts.Parties, opts.Labels),
			TrendChartID:   TrendChartID(fm.Firm),
			BoxplotChartID: BoxplotChartID(fm.Firm),
		})
		charts = append(charts, firmTrendChart(fm.Firm, firmRows, opts), boxplotChart(fm.Firm, firmRows, opts))
	}
	return panels, charts
}

// MetricsTableFor formats a firm's metrics: two decimals, four for the trend
func MetricsTableFor(fm models.FirmMetrics, parties []string, labels models.Labels) MetricsTable {
	t := MetricsTable{
		Headers: []string{
			labels.Party,
			labels.Mean,
			labels.StdDev,
			labels.HouseEffect,
			labels.Outliers,
			labels.OutlierRatio,
			labels.Trend,
		},
		Rows: make([][]string, 0, len(parties)),
	}
	for _, party := range parties {
		m := fm.Parties[party]
		t.Rows = append(t.Rows, []string{
			party,
			fmt.Sprintf("%.2f", m.Mean),
			fmt.Sprintf("%.2f", m.Std),
			fmt.Sprintf("%.2f", m.HouseEffect),
			fmt.Sprintf("%d", m.Outliers),
			fmt.Sprintf("%.2f", m.OutlierRatio),
			fmt.Sprintf("%.4f", m.TrendSlope),
		})
	}
	return t
}

func firmTrendChart(firm string, rows []models.Row, opts Options) *Chart {
	datasets := make([]Dataset, 0, len(opts.Parties))
	for _, party := range opts.Parties {
		datasets = append(datasets, Dataset{
			Label:           party,
			Line:            partyLine(rows, party, nil),
			BorderColor:     opts.color(party),
			BackgroundColor: opts.color(party),
			BorderWidth:     2,
			PointRadius:     3,
			ShowLine:        true,
		})
	}
	return &Chart{
		ID:       TrendChartID(firm),
		Group:    GroupBias,
		Type:     TypeLine,
		Firm:     firm,
		Title:    opts.Labels.FirmTrendOverTime,
		XTitle:   opts.Labels.Date,
		YTitle:   opts.Labels.PollingPercentage,
		Datasets: datasets,
		XOffset:  opts.Padding,
		Visible:  opts.visible(),
		Locale:   opts.Labels.Locale,
	}
}

func boxplotChart(firm string, rows []models.Row, opts Options) *Chart {
	datasets := make([]Dataset, 0, len(opts.Parties))
	for _, party := range opts.Parties {
		values := make([]float64, 0, len(rows))
		for _, r := range rows {
			if v, ok := r.Value(party); ok {
				values = append(values, v)
			}
		}
		datasets = append(datasets, Dataset{
			Label:           party,
			Values:          [][]float64{values},
			BorderColor:     opts.color(party),
			BackgroundColor: opts.color(party),
			OutlierColor:    outlierColor,
			BorderWidth:     1,
		})
	}
	return &Chart{
		ID:       BoxplotChartID(firm),
		Group:    GroupBias,
		Type:     TypeBoxplot,
		Firm:     firm,
		Title:    opts.Labels.PollingPercentagesDistribution,
		Labels:   []string{opts.Labels.Distribution},
		Datasets: datasets,
		Locale:   opts.Labels.Locale,
	}
}

// partyLine returns the party's readings sorted by date, optionally
// restricted to rows accepted by keep
func partyLine(rows []models.Row, party string, keep func(models.Row) bool) []Point {
	line := make([]Point, 0)
	for _, r := range rows {
		if keep != nil && !keep(r) {
			continue
		}
		if v, ok := r.Value(party); ok {
			line = append(line, Point{X: r.Date, Y: v})
		}
	}
	sort.SliceStable(line, func(i, j int) bool { return line[i].X < line[j].X })
	return line
}
