package charts

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollster-audit/internal/coordinator"
	"pollster-audit/internal/models"
)

var day0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func dayMillis(n int) int64 {
	return day0.AddDate(0, 0, n).UnixMilli()
}

func row(firm string, day int, values map[string]float64) models.Row {
	return models.Row{
		PollingFirm:   firm,
		Date:          dayMillis(day),
		SampleSize:    models.Float(1000),
		MarginOfError: models.Float(3.1),
		Values:        values,
	}
}

func testOptions() Options {
	return Options{
		Parties: []string{"CPC", "LPC"},
		Palette: map[string]string{"CPC": "#36A2EB", "LPC": "#FF6384"},
		Labels:  models.DefaultLabels(),
		Padding: true,
		Window:  models.Window{Start: day0, End: day0.AddDate(0, 0, 10)},
	}
}

func testRows() []models.Row {
	return []models.Row{
		row("Abacus Data", 2, map[string]float64{"CPC": 40, "LPC": 30}),
		row("Nanos", 1, map[string]float64{"CPC": 38}),
		row("Abacus Data", 0, map[string]float64{"CPC": 42, "LPC": 28}),
	}
}

func TestChartIDs(t *testing.T) {
	assert.Equal(t, "chart-firmTrend-Abacus_Data", TrendChartID("Abacus Data"))
	assert.Equal(t, "chart-boxplot-Angus_Reid", BoxplotChartID("Angus \t Reid"))
	assert.Equal(t, "chart-boxplot-Nanos", BoxplotChartID("Nanos"))
}

func TestBuildGeneral(t *testing.T) {
	c := BuildGeneral(testRows(), "", testOptions())

	assert.Equal(t, GeneralChartID, c.ID)
	assert.True(t, c.XOffset)
	require.NotNil(t, c.Visible)
	assert.Equal(t, dayMillis(0), c.Visible.Min)
	assert.Equal(t, dayMillis(10), c.Visible.Max)
	require.NotNil(t, c.Trendline)
	assert.Equal(t, "local", c.Trendline.Type)
	assert.Equal(t, 0.25, c.Trendline.Span)
	assert.Equal(t, 2, c.Trendline.Degree)
	assert.Equal(t, "weight", c.Trendline.WeightField)

	require.Len(t, c.Datasets, 2)
	cpc := c.Datasets[0]
	assert.Equal(t, "CPC", cpc.Label)
	assert.Equal(t, "#36A2EB", cpc.BorderColor)
	assert.Equal(t, "#36A2EB66", cpc.PointColor)
	assert.False(t, cpc.ShowLine)
	require.Len(t, cpc.Points, 3)
	assert.Equal(t, []int64{dayMillis(0), dayMillis(1), dayMillis(2)},
		[]int64{cpc.Points[0].X, cpc.Points[1].X, cpc.Points[2].X})
	assert.Equal(t, "Nanos", cpc.Points[1].Firm)
	for _, p := range cpc.Points {
		assert.Greater(t, p.Weight, 0.0)
	}
	assert.Len(t, c.Datasets[1].Points, 2)
}

func TestBuildGeneralHighlightsFirm(t *testing.T) {
	c := BuildGeneral(testRows(), "Nanos", testOptions())

	require.Len(t, c.Datasets, 3, "LPC has no Nanos readings")
	assert.Equal(t, "#36A2EB66", c.Datasets[0].BorderColor)
	assert.Equal(t, 1, c.Datasets[0].BorderWidth)

	hl := c.Datasets[2]
	assert.Equal(t, "CPC (Nanos)", hl.Label)
	assert.Equal(t, "#36A2EB", hl.BorderColor)
	assert.True(t, hl.HideTrendline)
	assert.Equal(t, []Point{{X: dayMillis(1), Y: 38}}, hl.Line)
}

func TestBuildBias(t *testing.T) {
	analysis := models.Analysis{
		Parties: []string{"CPC", "LPC"},
		Firms: []models.FirmMetrics{
			{Firm: "Abacus Data", Parties: map[string]models.PartyMetrics{
				"CPC": {Count: 2, Mean: 41, Std: 1, HouseEffect: 0.6667, TrendSlope: -1},
				"LPC": {Count: 2, Mean: 29, Std: 1, HouseEffect: 0},
			}},
			{Firm: "Nanos", Parties: map[string]models.PartyMetrics{
				"CPC": {Count: 1, Mean: 38, HouseEffect: -2.3333},
			}},
		},
	}

	panels, charts := BuildBias(testRows(), analysis, testOptions())

	require.Len(t, panels, 2)
	assert.Equal(t, "Polling firm: Abacus Data", panels[0].Title)
	assert.Equal(t, "chart-firmTrend-Abacus_Data", panels[0].TrendChartID)
	assert.Equal(t, "chart-boxplot-Abacus_Data", panels[0].BoxplotChartID)
	assert.Equal(t, []string{"CPC", "41.00", "1.00", "0.67", "0", "0.00", "-1.0000"}, panels[0].Table.Rows[0])
	assert.Equal(t, []string{"LPC", "0.00", "0.00", "0.00", "0", "0.00", "0.0000"}, panels[1].Table.Rows[1])
	assert.Len(t, panels[0].Table.Headers, 7)

	require.Len(t, charts, 4)
	trend := charts[0]
	assert.Equal(t, TypeLine, trend.Type)
	assert.Equal(t, GroupBias, trend.Group)
	assert.Equal(t, []Point{{X: dayMillis(0), Y: 42}, {X: dayMillis(2), Y: 40}}, trend.Datasets[0].Line)

	box := charts[1]
	assert.Equal(t, TypeBoxplot, box.Type)
	assert.Equal(t, [][]float64{{40, 42}}, box.Datasets[0].Values)
	assert.Equal(t, outlierColor, box.Datasets[0].OutlierColor)
	assert.Equal(t, "chart-boxplot-Nanos", charts[3].ID)
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestBoard(t *testing.T) {
	rec := &recorder{}
	b := NewBoard(rec)
	opts := testOptions()

	b.Replace(GroupGeneral, []*Chart{BuildGeneral(testRows(), "", opts)})
	panels, bias := BuildBias(testRows(), models.Analysis{Firms: []models.FirmMetrics{{Firm: "Nanos"}}}, opts)
	b.ReplaceBias(panels, bias)

	views := b.Views()
	require.Len(t, views, 2, "box plots are not views")
	assert.Equal(t, GeneralChartID, views[0].ID())
	assert.Equal(t, "chart-firmTrend-Nanos", views[1].ID())

	before, _ := b.Chart(GeneralChartID)
	w := models.Window{Start: day0.AddDate(0, 0, 3), End: day0.AddDate(0, 0, 4)}
	views[0].SetVisibleRange(w)
	after, ok := b.Chart(GeneralChartID)
	require.True(t, ok)
	assert.Equal(t, &Range{Min: dayMillis(3), Max: dayMillis(4)}, after.Visible)
	assert.Equal(t, dayMillis(0), before.Visible.Min, "stored charts are not mutated")

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, models.Event{Type: models.EventRange, ChartID: GeneralChartID, Min: dayMillis(3), Max: dayMillis(4)}, last)

	assert.False(t, b.SetVisibleRange("missing", w))
	assert.True(t, b.Destroy("chart-boxplot-Nanos"))
	assert.False(t, b.Destroy("chart-boxplot-Nanos"))

	layout := b.Snapshot()
	require.Len(t, layout.Charts, 2)
	assert.Equal(t, "Nanos", layout.Firms[0].Firm)

	// full replacement destroys the previous bias charts
	rec.events = nil
	b.ReplaceBias(nil, nil)
	require.Len(t, rec.events, 1)
	assert.Equal(t, models.Event{Type: models.EventDestroy, ChartID: "chart-firmTrend-Nanos"}, rec.events[0])
}

func TestBoardRecordVisibleRangeIsSilent(t *testing.T) {
	rec := &recorder{}
	b := NewBoard(rec)
	b.Replace(GroupGeneral, []*Chart{BuildGeneral(testRows(), "", testOptions())})
	rec.events = nil

	views := b.Views()
	require.Len(t, views, 1)
	silent, ok := views[0].(coordinator.RangeRecorder)
	require.True(t, ok, "board views keep their own range")

	w := models.Window{Start: day0.AddDate(0, 0, 1), End: day0.AddDate(0, 0, 2)}
	silent.RecordVisibleRange(w)

	general, ok := b.Chart(GeneralChartID)
	require.True(t, ok)
	assert.Equal(t, &Range{Min: dayMillis(1), Max: dayMillis(2)}, general.Visible)
	assert.Empty(t, rec.events, "the page is not told")
	assert.False(t, b.RecordVisibleRange("missing", w))
}
