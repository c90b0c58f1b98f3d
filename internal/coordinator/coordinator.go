// Package coordinator owns the single visible date window of a dashboard
// session. Every chart's visible range, the range selector label, the custom
// range inputs and the page URL are projections of that window.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pollster-audit/internal/models"
	"pollster-audit/pkg/logging"
	"pollster-audit/pkg/metrics"
)

// Preset identifies a named range choice
type Preset string

const (
	PresetLast7             Preset = "last7"
	PresetLast30            Preset = "last30"
	PresetLast6Months       Preset = "last6Months"
	PresetSinceLastElection Preset = "sinceLastElection"
	PresetCampaignPeriod    Preset = "campaignPeriod"
	PresetPreCampaignPeriod Preset = "preCampaignPeriod"
	PresetAll               Preset = "all"
)

// Presets lists every preset in selector order
var Presets = []Preset{
	PresetLast7,
	PresetLast30,
	PresetLast6Months,
	PresetSinceLastElection,
	PresetCampaignPeriod,
	PresetPreCampaignPeriod,
	PresetAll,
}

// ParsePreset validates a preset name
func ParsePreset(name string) (Preset, error) {
	for _, p := range Presets {
		if string(p) == name {
			return p, nil
		}
	}
	return "", &models.ValidationError{
		Field:   "preset",
		Value:   name,
		Message: fmt.Sprintf("unknown range preset %q", name),
	}
}

// Label returns the localized selector text for p
func (p Preset) Label(l models.Labels) string {
	switch p {
	case PresetLast7:
		return l.Last7Days
	case PresetLast30:
		return l.Last30Days
	case PresetLast6Months:
		return l.Last6Months
	case PresetSinceLastElection:
		return l.SinceLastElection
	case PresetCampaignPeriod:
		return l.CampaignPeriod
	case PresetPreCampaignPeriod:
		return l.PreCampaignPeriod
	case PresetAll:
		return l.All
	}
	return ""
}

// View is one chart instance whose visible range follows the window
type View interface {
	ID() string
	SetVisibleRange(w models.Window)
}

// RangeRecorder is implemented by views that keep a copy of their visible
// range. The chart that reported a zoom is updated through it, so its stored
// range follows the window without the bounds being echoed back to it.
type RangeRecorder interface {
	RecordVisibleRange(w models.Window)
}

// ViewSource lists the chart instances currently on screen
type ViewSource interface {
	Views() []View
}

// Renderer rebuilds chart content for a window
type Renderer interface {
	// Refresh fetches what the window needs, then rebuilds and redraws every chart
	Refresh(ctx context.Context, w models.Window) error
	// RedrawBias fetches what the window needs, then redraws the per-firm charts
	RedrawBias(ctx context.Context, w models.Window) error
}

// ExtentSource reports the span of the data seen so far
type ExtentSource interface {
	Window() (models.Window, bool)
}

// IndexSource exposes the current manifest
type IndexSource interface {
	Index() *models.Index
}

// Publisher receives label and URL updates for the page
type Publisher interface {
	Publish(e models.Event)
}

// Deps are the collaborators of a Coordinator
type Deps struct {
	Views     ViewSource
	Renderer  Renderer
	Extent    ExtentSource
	Index     IndexSource
	Publisher Publisher
	Labels    models.Labels
	Logger    *logging.StructuredLogger
	Metrics   *metrics.Collector
	Now       func() time.Time
}

// State is a snapshot of everything the coordinator mirrors to the page
type State struct {
	Window     models.Window `json:"window"`
	Label      string        `json:"label"`
	StartInput string        `json:"start_input"`
	EndInput   string        `json:"end_input"`
	URL        string        `json:"url"`
	Padding    bool          `json:"padding"`
}

// Coordinator mediates every change of the shared window
type Coordinator struct {
	deps Deps

	// propagating is set while a window is being pushed to views, so a view
	// reacting with its own zoom event is ignored
	propagating atomic.Bool

	mu         sync.Mutex
	window     models.Window
	padding    bool
	label      string
	startInput string
	endInput   string
	url        string
}

// New creates a coordinator for the page at pageURL
func New(deps Deps, pageURL string) *Coordinator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	return &Coordinator{
		deps:    deps,
		padding: true,
		url:     pageURL,
	}
}

// Window returns the current window
func (c *Coordinator) Window() models.Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// Padding reports whether charts still pad their x axis. It turns off at the
// first zoom or pan and stays off.
func (c *Coordinator) Padding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.padding
}

// State returns a snapshot for status reporting
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Window:     c.window,
		Label:      c.label,
		StartInput: c.startInput,
		EndInput:   c.endInput,
		URL:        c.url,
		Padding:    c.padding,
	}
}

// URL returns the current page URL
func (c *Coordinator) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// SetURLParam upserts (or removes, for "") one query parameter and publishes
// the new URL when it changed
func (c *Coordinator) SetURLParam(param, value string) {
	var v *string
	if value != "" {
		v = strPtr(value)
	}

	c.mu.Lock()
	next := UpsertParam(c.url, param, v)
	changed := next != c.url
	c.url = next
	c.mu.Unlock()

	if changed {
		c.publish(models.Event{Type: models.EventURL, URL: next})
	}
}

// Startup picks the initial window: the startDate/endDate URL parameters when
// present, else the latest period of the latest manifest year.
func (c *Coordinator) Startup(ctx context.Context) error {
	params := Params(c.URL())
	start, hasStart := parseParam(params.Get(ParamStartDate))
	end, hasEnd := parseParam(params.Get(ParamEndDate))

	c.deps.Metrics.RecordRangeChange("startup")

	if hasStart || hasEnd {
		if !hasEnd {
			end = c.extentEnd()
		}
		if !hasStart {
			// open start: everything up to end, URL left as given
			return c.setRange(ctx, rangeRequest{start: c.extentStartOr(end), end: end, all: true, refresh: true, label: c.deps.Labels.All})
		}
		if start.After(end) {
			c.deps.Logger.Warn(ctx, "[RANGE_STARTUP] Ignoring inverted URL range", logging.Fields{
				"start": models.FormatDate(start),
				"end":   models.FormatDate(end),
			})
		} else {
			return c.setRange(ctx, rangeRequest{start: start, end: end, refresh: true})
		}
	}

	if r, ok := latestPeriodRange(c.index()); ok {
		return c.setRange(ctx, rangeRequest{start: r.startTime(), end: r.endTime(), refresh: true})
	}

	end = c.extentEnd()
	return c.setRange(ctx, rangeRequest{start: c.extentStartOr(end), end: end, refresh: true})
}

// ApplyNamedRange resolves a preset against the known data and the manifest,
// then applies it
func (c *Coordinator) ApplyNamedRange(ctx context.Context, name string) error {
	preset, err := ParsePreset(name)
	if err != nil {
		return err
	}

	start, end := c.resolvePreset(preset)
	c.deps.Metrics.RecordRangeChange("preset")

	return c.setRange(ctx, rangeRequest{
		start:    start,
		end:      end,
		all:      preset == PresetAll,
		clearURL: preset == PresetAll,
		refresh:  true,
		label:    preset.Label(c.deps.Labels),
	})
}

// ApplyCustomRange applies the exact YYYY-MM-DD inputs. A start after the end
// is rejected with the localized message and nothing changes.
func (c *Coordinator) ApplyCustomRange(ctx context.Context, startInput, endInput string) error {
	start, err := models.ParseDate("start", startInput)
	if err != nil {
		return err
	}
	end, err := models.ParseDate("end", endInput)
	if err != nil {
		return err
	}
	if start.After(end) {
		return &models.ValidationError{
			Field:   "start",
			Value:   startInput,
			Message: c.deps.Labels.MustBeBefore,
		}
	}

	c.deps.Metrics.RecordRangeChange("custom")
	return c.setRange(ctx, rangeRequest{start: start, end: end, refresh: true})
}

// OnZoomOrPan adopts the bounds a chart reports after a user zoom or pan and
// pushes them to every other chart. Events arriving while a window is being
// propagated are ignored; the first return value reports whether the event
// was applied.
func (c *Coordinator) OnZoomOrPan(ctx context.Context, sourceID string, min, max int64) (bool, error) {
	if min > max {
		return false, &models.ValidationError{
			Field:   "bounds",
			Value:   fmt.Sprintf("%d..%d", min, max),
			Message: "zoom minimum is after maximum",
		}
	}
	if !c.propagating.CompareAndSwap(false, true) {
		return false, nil
	}

	w := models.WindowFromMillis(min, max)
	func() {
		defer c.propagating.Store(false)

		c.mu.Lock()
		c.window = w
		c.padding = false
		c.mu.Unlock()

		for _, v := range c.views() {
			if v.ID() != sourceID {
				v.SetVisibleRange(w)
				continue
			}
			if rec, ok := v.(RangeRecorder); ok {
				rec.RecordVisibleRange(w)
			}
		}
		c.mirror(w, rangeRequest{start: w.Start, end: w.End})
	}()

	c.deps.Metrics.RecordRangeChange("zoom")
	c.deps.Logger.Debug(ctx, "[RANGE_ZOOM] Window updated from chart", logging.Fields{
		"chart_id": sourceID,
		"start":    models.FormatDate(w.Start),
		"end":      models.FormatDate(w.End),
	})

	if c.deps.Renderer != nil {
		if err := c.deps.Renderer.RedrawBias(ctx, w); err != nil {
			return true, fmt.Errorf("redraw after zoom: %w", err)
		}
	}
	return true, nil
}

type rangeRequest struct {
	start    time.Time
	end      time.Time
	all      bool // start at the beginning of the known data
	clearURL bool
	refresh  bool
	label    string // preset label, "" for free ranges
}

// setRange installs a new window, re-renders, pushes it to the views and
// mirrors it into the label, inputs and URL
func (c *Coordinator) setRange(ctx context.Context, req rangeRequest) error {
	w := models.Window{Start: req.start.UTC(), End: req.end.UTC()}

	c.mu.Lock()
	c.window = w
	c.mu.Unlock()

	var refreshErr error
	if req.refresh && c.deps.Renderer != nil {
		refreshErr = c.deps.Renderer.Refresh(ctx, w)
	}

	// the refresh may have discovered data on either side
	if req.all {
		widened := false
		if start := c.extentStartOr(w.Start); start.Before(w.Start) {
			w.Start = start
			widened = true
		}
		if end, ok := c.knownEnd(); ok && end.After(w.End) {
			w.End = end
			widened = true
		}
		if widened {
			c.mu.Lock()
			c.window = w
			c.mu.Unlock()
		}
	}

	c.propagate(w)
	c.mirror(w, req)

	c.deps.Logger.Info(ctx, "[RANGE_SET] Window applied", logging.Fields{
		"start":  models.FormatDate(w.Start),
		"end":    models.FormatDate(w.End),
		"preset": req.label,
	})

	if refreshErr != nil {
		return fmt.Errorf("refresh charts: %w", refreshErr)
	}
	return nil
}

// propagate pushes w to every view under the guard. The guard is released
// even if a view panics.
func (c *Coordinator) propagate(w models.Window) {
	if !c.propagating.CompareAndSwap(false, true) {
		return
	}
	defer c.propagating.Store(false)

	for _, v := range c.views() {
		v.SetVisibleRange(w)
	}
}

// mirror derives the label, inputs and URL from w and publishes what changed
func (c *Coordinator) mirror(w models.Window, req rangeRequest) {
	extentEnd, hasExtent := c.knownEnd()
	openEnded := hasExtent && extentEnd.Equal(w.End)

	start := models.FormatDate(w.Start)
	end := models.FormatDate(w.End)

	var label string
	switch {
	case req.all || req.label != "":
		label = req.label
	case openEnded:
		label = fmt.Sprintf("%s %s", c.deps.Labels.Since, start)
	default:
		label = fmt.Sprintf("%s %s %s", start, c.deps.Labels.To, end)
	}

	c.mu.Lock()
	c.label = label
	c.startInput = start
	c.endInput = end

	next := c.url
	switch {
	case req.clearURL:
		next = UpsertParam(UpsertParam(next, ParamStartDate, nil), ParamEndDate, nil)
	case req.all:
	default:
		next = UpsertParam(next, ParamStartDate, strPtr(start))
		if openEnded {
			next = UpsertParam(next, ParamEndDate, nil)
		} else {
			next = UpsertParam(next, ParamEndDate, strPtr(end))
		}
	}
	urlChanged := next != c.url
	c.url = next
	c.mu.Unlock()

	c.publish(models.Event{Type: models.EventLabel, Label: label})
	if urlChanged {
		c.publish(models.Event{Type: models.EventURL, URL: next})
	}
}

// resolvePreset turns a preset into concrete bounds. Ranges end at the last
// known data point, or now before any data arrived.
func (c *Coordinator) resolvePreset(p Preset) (time.Time, time.Time) {
	end := c.extentEnd()
	full := func() (time.Time, time.Time) {
		return c.extentStartOr(end), end
	}

	switch p {
	case PresetLast7:
		return end.AddDate(0, 0, -6), end
	case PresetLast30:
		return end.AddDate(0, 0, -29), end
	case PresetLast6Months:
		return end.AddDate(0, -6, 0), end
	case PresetSinceLastElection:
		if y := c.index().LatestYear(); y != nil {
			return time.UnixMilli(y.Range.From()).UTC(), end
		}
		return full()
	case PresetCampaignPeriod:
		if r, ok := latestCampaignRange(c.index()); ok {
			return r.startTime(), r.endTime()
		}
		return full()
	case PresetPreCampaignPeriod:
		if r, ok := latestPreCampaignRange(c.index()); ok {
			return r.startTime(), r.endTime()
		}
		return full()
	default:
		return full()
	}
}

func (c *Coordinator) views() []View {
	if c.deps.Views == nil {
		return nil
	}
	return c.deps.Views.Views()
}

func (c *Coordinator) index() *models.Index {
	if c.deps.Index == nil {
		return nil
	}
	return c.deps.Index.Index()
}

func (c *Coordinator) knownEnd() (time.Time, bool) {
	if c.deps.Extent == nil {
		return time.Time{}, false
	}
	w, ok := c.deps.Extent.Window()
	return w.End, ok
}

func (c *Coordinator) extentEnd() time.Time {
	if end, ok := c.knownEnd(); ok {
		return end
	}
	return c.deps.Now().UTC()
}

func (c *Coordinator) extentStartOr(fallback time.Time) time.Time {
	if c.deps.Extent != nil {
		if w, ok := c.deps.Extent.Window(); ok {
			return w.Start
		}
	}
	return fallback
}

func (c *Coordinator) publish(e models.Event) {
	if c.deps.Publisher != nil {
		c.deps.Publisher.Publish(e)
	}
}

func parseParam(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := models.ParseDate("param", v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
