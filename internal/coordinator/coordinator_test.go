package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollster-audit/internal/models"
	"pollster-audit/pkg/logging"
	"pollster-audit/pkg/metrics"
)

func d(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

type fakeView struct {
	id       string
	ranges   []models.Window
	recorded []models.Window
	onSet    func(w models.Window)
}

func (v *fakeView) ID() string { return v.id }

func (v *fakeView) SetVisibleRange(w models.Window) {
	v.ranges = append(v.ranges, w)
	if v.onSet != nil {
		v.onSet(w)
	}
}

func (v *fakeView) RecordVisibleRange(w models.Window) {
	v.recorded = append(v.recorded, w)
}

func (v *fakeView) last() models.Window {
	if len(v.ranges) == 0 {
		return models.Window{}
	}
	return v.ranges[len(v.ranges)-1]
}

type fakeViews []*fakeView

func (f fakeViews) Views() []View {
	out := make([]View, len(f))
	for i, v := range f {
		out[i] = v
	}
	return out
}

type fakeRenderer struct {
	refreshes []models.Window
	bias      []models.Window
	onRefresh func(w models.Window)
}

func (r *fakeRenderer) Refresh(_ context.Context, w models.Window) error {
	r.refreshes = append(r.refreshes, w)
	if r.onRefresh != nil {
		r.onRefresh(w)
	}
	return nil
}

func (r *fakeRenderer) RedrawBias(_ context.Context, w models.Window) error {
	r.bias = append(r.bias, w)
	return nil
}

type fakeExtent struct {
	w  models.Window
	ok bool
}

func (e *fakeExtent) Window() (models.Window, bool) { return e.w, e.ok }

type fakeIndex struct{ ix *models.Index }

func (f fakeIndex) Index() *models.Index { return f.ix }

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t models.EventType) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func period(name string, from, to time.Time) *models.Period {
	return &models.Period{Name: name, Range: models.Range{ms(from), ms(to)}, URL: "/" + name + ".json"}
}

func testIndex() *models.Index {
	return &models.Index{Years: []*models.Year{
		{
			Name:  "2021",
			Range: models.Range{ms(d(2020, 8, 1)), ms(d(2021, 9, 20))},
			Periods: []*models.Period{
				period("pre", d(2020, 8, 1), d(2021, 8, 14)),
				period(models.CampaignPeriodName, d(2021, 8, 15), d(2021, 9, 20)),
			},
		},
		{
			Name:  "2025",
			Range: models.Range{ms(d(2021, 9, 21)), ms(d(2025, 4, 28))},
			Periods: []*models.Period{
				period("pre-a", d(2021, 9, 21), d(2023, 12, 31)),
				period(models.CampaignPeriodName, d(2025, 3, 23), d(2025, 4, 28)),
				period("pre-b", d(2024, 1, 1), d(2025, 3, 22)),
			},
		},
	}}
}

type harness struct {
	c        *Coordinator
	views    fakeViews
	renderer *fakeRenderer
	extent   *fakeExtent
	events   *recorder
}

func newHarness(t *testing.T, pageURL string) *harness {
	t.Helper()
	h := &harness{
		views:    fakeViews{{id: "chart-general"}, {id: "chart-firmTrend-Abacus"}, {id: "chart-boxplot-Abacus"}},
		renderer: &fakeRenderer{},
		extent:   &fakeExtent{w: models.Window{Start: d(2024, 1, 1), End: d(2024, 6, 30)}, ok: true},
		events:   &recorder{},
	}
	h.c = New(Deps{
		Views:     h.views,
		Renderer:  h.renderer,
		Extent:    h.extent,
		Index:     fakeIndex{ix: testIndex()},
		Publisher: h.events,
		Labels:    models.DefaultLabels(),
		Logger:    logging.NewNopLogger(),
		Metrics:   metrics.NewCollector("test", prometheus.NewRegistry()),
		Now:       func() time.Time { return d(2025, 5, 1) },
	}, pageURL)
	return h
}

func TestApplyCustomRangeRejectsInvertedRange(t *testing.T) {
	h := newHarness(t, "https://example.test/en/?firm=Abacus")
	require.NoError(t, h.c.ApplyCustomRange(context.Background(), "2024-01-01", "2024-03-01"))
	before := h.c.State()
	eventsBefore := len(h.events.events)

	err := h.c.ApplyCustomRange(context.Background(), "2024-02-01", "2024-01-01")

	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, models.DefaultLabels().MustBeBefore, vErr.Message)
	assert.Equal(t, before, h.c.State())
	assert.Len(t, h.events.events, eventsBefore)
	assert.Len(t, h.renderer.refreshes, 1)
}

func TestApplyCustomRangeUsesExactInputs(t *testing.T) {
	h := newHarness(t, "https://example.test/en/?firm=Abacus")

	require.NoError(t, h.c.ApplyCustomRange(context.Background(), "2023-01-01", "2023-02-01"))

	st := h.c.State()
	assert.Equal(t, d(2023, 1, 1), st.Window.Start)
	assert.Equal(t, d(2023, 2, 1), st.Window.End)
	assert.Equal(t, "2023-01-01 to 2023-02-01", st.Label)
	assert.Equal(t, "2023-01-01", st.StartInput)
	assert.Equal(t, "2023-02-01", st.EndInput)
	assert.Equal(t, "https://example.test/en/?firm=Abacus&startDate=2023-01-01&endDate=2023-02-01", st.URL)

	for _, v := range h.views {
		assert.Equal(t, st.Window, v.last(), v.id)
	}
	require.Len(t, h.renderer.refreshes, 1)
	assert.Equal(t, st.Window, h.renderer.refreshes[0])
	assert.Len(t, h.events.ofType(models.EventURL), 1)
}

func TestApplyCustomRangeRejectsBadInput(t *testing.T) {
	h := newHarness(t, "https://example.test/")
	err := h.c.ApplyCustomRange(context.Background(), "yesterday", "2024-01-01")
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "start", vErr.Field)
	assert.Empty(t, h.renderer.refreshes)
}

func TestOpenEndedRangeDropsEndDate(t *testing.T) {
	h := newHarness(t, "https://example.test/")

	require.NoError(t, h.c.ApplyCustomRange(context.Background(), "2024-03-01", "2024-06-30"))

	st := h.c.State()
	assert.Equal(t, "Since 2024-03-01", st.Label)
	assert.Equal(t, "https://example.test/?startDate=2024-03-01", st.URL)
}

func TestAllPresetUsesExtentAndClearsParams(t *testing.T) {
	h := newHarness(t, "https://example.test/?startDate=2023-01-01&firm=Nanos&endDate=2023-02-01")

	require.NoError(t, h.c.ApplyNamedRange(context.Background(), "all"))

	st := h.c.State()
	assert.Equal(t, h.extent.w, st.Window)
	assert.Equal(t, "All", st.Label)
	assert.Equal(t, "https://example.test/?firm=Nanos", st.URL)
}

func TestAllPresetWidensToDataFoundByRefresh(t *testing.T) {
	h := newHarness(t, "https://example.test/")
	h.renderer.onRefresh = func(models.Window) {
		h.extent.w = models.Window{Start: d(2023, 6, 1), End: d(2025, 4, 10)}
	}

	require.NoError(t, h.c.ApplyNamedRange(context.Background(), "all"))

	want := models.Window{Start: d(2023, 6, 1), End: d(2025, 4, 10)}
	assert.Equal(t, want, h.c.Window())
	for _, v := range h.views {
		assert.Equal(t, want, v.last(), v.id)
	}
	assert.Equal(t, "All", h.c.State().Label)
}

func TestPresetResolution(t *testing.T) {
	tests := []struct {
		preset    string
		wantStart time.Time
		wantEnd   time.Time
		wantLabel string
	}{
		{preset: "last7", wantStart: d(2024, 6, 24), wantEnd: d(2024, 6, 30), wantLabel: "Last 7 days"},
		{preset: "last30", wantStart: d(2024, 6, 1), wantEnd: d(2024, 6, 30), wantLabel: "Last 30 days"},
		{preset: "last6Months", wantStart: d(2023, 12, 30), wantEnd: d(2024, 6, 30), wantLabel: "Last 6 months"},
		{preset: "sinceLastElection", wantStart: d(2021, 9, 21), wantEnd: d(2024, 6, 30), wantLabel: "Since last election"},
		{preset: "campaignPeriod", wantStart: d(2025, 3, 23), wantEnd: d(2025, 4, 28), wantLabel: "Campaign period"},
		{preset: "preCampaignPeriod", wantStart: d(2021, 9, 21), wantEnd: d(2025, 3, 22), wantLabel: "Pre-campaign period"},
		{preset: "all", wantStart: d(2024, 1, 1), wantEnd: d(2024, 6, 30), wantLabel: "All"},
	}

	for _, tt := range tests {
		t.Run(tt.preset, func(t *testing.T) {
			h := newHarness(t, "https://example.test/")
			require.NoError(t, h.c.ApplyNamedRange(context.Background(), tt.preset))

			st := h.c.State()
			assert.Equal(t, tt.wantStart, st.Window.Start)
			assert.Equal(t, tt.wantEnd, st.Window.End)
			assert.Equal(t, tt.wantLabel, st.Label)
		})
	}
}

func TestPresetWithoutDataEndsNow(t *testing.T) {
	h := newHarness(t, "https://example.test/")
	h.extent.ok = false

	require.NoError(t, h.c.ApplyNamedRange(context.Background(), "last7"))
	st := h.c.State()
	assert.Equal(t, d(2025, 4, 25), st.Window.Start)
	assert.Equal(t, d(2025, 5, 1), st.Window.End)
}

func TestCampaignPresetFallsBackToExtent(t *testing.T) {
	h := newHarness(t, "https://example.test/")
	h.c.deps.Index = fakeIndex{ix: &models.Index{Years: []*models.Year{
		{Name: "2019", Range: models.Range{0, ms(d(2019, 10, 21))}},
	}}}

	require.NoError(t, h.c.ApplyNamedRange(context.Background(), "campaignPeriod"))
	assert.Equal(t, h.extent.w, h.c.Window())
	require.NoError(t, h.c.ApplyNamedRange(context.Background(), "preCampaignPeriod"))
	assert.Equal(t, h.extent.w, h.c.Window())
}

func TestUnknownPreset(t *testing.T) {
	h := newHarness(t, "https://example.test/")
	err := h.c.ApplyNamedRange(context.Background(), "lastDecade")
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Empty(t, h.renderer.refreshes)
}

func TestPanPropagatesToOtherChartsAndLatchesPadding(t *testing.T) {
	h := newHarness(t, "https://example.test/")
	require.True(t, h.c.Padding())

	applied, err := h.c.OnZoomOrPan(context.Background(), "chart-general", ms(d(2024, 2, 1)), ms(d(2024, 3, 1)))
	require.NoError(t, err)
	require.True(t, applied)

	want := models.Window{Start: d(2024, 2, 1), End: d(2024, 3, 1)}
	assert.Equal(t, want, h.c.Window())
	assert.Empty(t, h.views[0].ranges, "source chart is not told its own bounds")
	assert.Equal(t, []models.Window{want}, h.views[0].recorded)
	assert.Empty(t, h.views[1].recorded)
	assert.Equal(t, want, h.views[1].last())
	assert.Equal(t, want, h.views[2].last())
	assert.False(t, h.c.Padding())

	assert.Empty(t, h.renderer.refreshes)
	require.Len(t, h.renderer.bias, 1)
	assert.Equal(t, want, h.renderer.bias[0])
	assert.Equal(t, "https://example.test/?startDate=2024-02-01&endDate=2024-03-01", h.c.URL())

	require.NoError(t, h.c.ApplyNamedRange(context.Background(), "all"))
	assert.False(t, h.c.Padding(), "padding never comes back")
}

func TestZoomEchoFromViewIsIgnored(t *testing.T) {
	h := newHarness(t, "https://example.test/")
	var echoes []bool
	h.views[1].onSet = func(w models.Window) {
		applied, err := h.c.OnZoomOrPan(context.Background(), h.views[1].id, ms(w.Start)-1, ms(w.End)+1)
		require.NoError(t, err)
		echoes = append(echoes, applied)
	}

	_, err := h.c.OnZoomOrPan(context.Background(), "chart-general", ms(d(2024, 2, 1)), ms(d(2024, 3, 1)))
	require.NoError(t, err)
	require.NoError(t, h.c.ApplyCustomRange(context.Background(), "2024-04-01", "2024-05-01"))

	assert.Equal(t, []bool{false, false}, echoes)
	assert.Equal(t, models.Window{Start: d(2024, 4, 1), End: d(2024, 5, 1)}, h.c.Window())
}

func TestGuardReleasedAfterPanic(t *testing.T) {
	h := newHarness(t, "https://example.test/")
	h.views[1].onSet = func(models.Window) { panic("chart exploded") }

	assert.Panics(t, func() {
		_, _ = h.c.OnZoomOrPan(context.Background(), "chart-general", 10, 20)
	})

	h.views[1].onSet = nil
	applied, err := h.c.OnZoomOrPan(context.Background(), "chart-general", 30, 40)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestZoomRejectsInvertedBounds(t *testing.T) {
	h := newHarness(t, "https://example.test/")
	_, err := h.c.OnZoomOrPan(context.Background(), "chart-general", 40, 30)
	var vErr *models.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestStartupFromURLParams(t *testing.T) {
	h := newHarness(t, "https://example.test/?startDate=2024-02-01&endDate=2024-04-01")

	require.NoError(t, h.c.Startup(context.Background()))

	st := h.c.State()
	assert.Equal(t, models.Window{Start: d(2024, 2, 1), End: d(2024, 4, 1)}, st.Window)
	assert.Equal(t, "2024-02-01 to 2024-04-01", st.Label)
	assert.True(t, st.Padding)
	assert.Equal(t, "https://example.test/?startDate=2024-02-01&endDate=2024-04-01", st.URL)
	assert.Empty(t, h.events.ofType(models.EventURL))
}

func TestStartupWithOnlyEndDate(t *testing.T) {
	h := newHarness(t, "https://example.test/?endDate=2024-04-01")

	require.NoError(t, h.c.Startup(context.Background()))

	st := h.c.State()
	assert.Equal(t, models.Window{Start: d(2024, 1, 1), End: d(2024, 4, 1)}, st.Window)
	assert.Equal(t, "All", st.Label)
	assert.Equal(t, "https://example.test/?endDate=2024-04-01", st.URL)
}

func TestStartupDefaultsToLatestPeriod(t *testing.T) {
	h := newHarness(t, "https://example.test/")

	require.NoError(t, h.c.Startup(context.Background()))

	st := h.c.State()
	assert.Equal(t, models.Window{Start: d(2025, 3, 23), End: d(2025, 4, 28)}, st.Window)
	require.Len(t, h.renderer.refreshes, 1)
	assert.Equal(t, st.Window, h.renderer.refreshes[0])
	assert.True(t, st.Padding)
}

func TestSetURLParam(t *testing.T) {
	h := newHarness(t, "https://example.test/?startDate=2024-01-01")

	h.c.SetURLParam(ParamFirm, "Angus Reid")
	assert.Equal(t, "https://example.test/?startDate=2024-01-01&firm=Angus+Reid", h.c.URL())

	h.c.SetURLParam(ParamFirm, "Angus Reid")
	assert.Len(t, h.events.ofType(models.EventURL), 1, "unchanged URL is not republished")

	h.c.SetURLParam(ParamFirm, "")
	assert.Equal(t, "https://example.test/?startDate=2024-01-01", h.c.URL())
}
