// Package session owns one dashboard page: its fetcher, the data extent, the
// range coordinator and the charts on screen.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pollster-audit/internal/charts"
	"pollster-audit/internal/coordinator"
	"pollster-audit/internal/models"
	"pollster-audit/internal/repository"
	"pollster-audit/internal/services"
	"pollster-audit/pkg/logging"
	"pollster-audit/pkg/metrics"
)

// Options are the presentation settings of a session
type Options struct {
	Language string
	Labels   models.Labels
	Parties  []string
	Palette  map[string]string
}

// Deps are the collaborators of a session
type Deps struct {
	Fetcher *services.Fetcher
	Dataset *services.DatasetService
	Stats   *services.StatisticsService
	Logger  *logging.StructuredLogger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Snapshot is the externally visible state of a session
type Snapshot struct {
	ID        string               `json:"id"`
	Language  string               `json:"language"`
	State     coordinator.State    `json:"state"`
	Firm      string               `json:"firm"`
	Firms     []string             `json:"firms"`
	Rows      int                  `json:"rows"`
	Extent    *charts.Range        `json:"extent,omitempty"`
	Fetch     services.FetchStatus `json:"fetch"`
	Labels    models.Labels        `json:"labels"`
	Presets   []coordinator.Preset `json:"presets"`
	CreatedAt time.Time            `json:"created_at"`
}

// Session is one dashboard page. It renders for the coordinator.
type Session struct {
	id        string
	opts      Options
	deps      Deps
	createdAt time.Time

	extent *services.Extent
	events *Broadcaster
	board  *charts.Board
	coord  *coordinator.Coordinator

	// renderMu serializes dataset rebuilds and the state they produce
	renderMu          sync.Mutex
	selectedFirm      string
	firmParamConsumed bool
	firms             []string
	rows              int
	analysis          models.Analysis
}

// New creates a session for the page at pageURL. Start loads it.
func New(id, pageURL string, opts Options, deps Deps) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Dataset == nil {
		deps.Dataset = services.NewDatasetService(deps.Logger, deps.Metrics)
	}
	if deps.Stats == nil {
		deps.Stats = services.NewStatisticsService(deps.Logger, deps.Metrics)
	}

	s := &Session{
		id:        id,
		opts:      opts,
		deps:      deps,
		createdAt: deps.Now(),
		extent:    &services.Extent{},
		events:    NewBroadcaster(0),
		analysis:  models.Analysis{Parties: opts.Parties, OverallAverages: map[string]float64{}, Firms: []models.FirmMetrics{}},
	}
	s.board = charts.NewBoard(s.events)
	s.coord = coordinator.New(coordinator.Deps{
		Views:     s.board,
		Renderer:  s,
		Extent:    s.extent,
		Index:     deps.Fetcher,
		Publisher: s.events,
		Labels:    opts.Labels,
		Logger:    deps.Logger,
		Metrics:   deps.Metrics,
		Now:       deps.Now,
	}, pageURL)
	return s
}

// ID returns the session ID
func (s *Session) ID() string { return s.id }

// Coordinator returns the range coordinator of the session
func (s *Session) Coordinator() *coordinator.Coordinator { return s.coord }

// Events returns the session event stream
func (s *Session) Events() *Broadcaster { return s.events }

// Start loads the manifest, picks the initial window and draws every chart
func (s *Session) Start(ctx context.Context) error {
	ctx = logging.WithSessionID(ctx, s.id)

	if _, err := s.deps.Fetcher.LoadIndex(ctx); err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	if err := s.coord.Startup(ctx); err != nil {
		return fmt.Errorf("startup range: %w", err)
	}

	s.deps.Logger.Info(ctx, "[SESSION_START] Session ready", logging.Fields{
		"url":   s.coord.URL(),
		"rows":  s.Rows(),
		"firms": len(s.Firms()),
	})
	return nil
}

// Refresh implements coordinator.Renderer: fetch what w needs, then rebuild
// and redraw every chart
func (s *Session) Refresh(ctx context.Context, w models.Window) error {
	if _, err := s.deps.Fetcher.LoadIndex(ctx); err != nil {
		s.deps.Logger.Warn(ctx, "[SESSION_REFRESH] Index reload failed, using current manifest", logging.Fields{
			"error": err.Error(),
		})
	}
	if _, err := s.deps.Fetcher.EnsureRangeFetched(ctx, w.Min(), w.Max()); err != nil {
		return fmt.Errorf("fetch range: %w", err)
	}

	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	rows := s.buildRows(ctx, w)
	s.drawGeneral(rows, w)
	s.drawBias(ctx, rows, w)
	return nil
}

// RedrawBias implements coordinator.Renderer. When the window needed new
// periods, or the general chart still carries padding after the latch went
// off, the general chart is redrawn too; otherwise only the per-firm charts.
func (s *Session) RedrawBias(ctx context.Context, w models.Window) error {
	started, err := s.deps.Fetcher.EnsureRangeFetched(ctx, w.Min(), w.Max())
	if err != nil {
		return fmt.Errorf("fetch range: %w", err)
	}

	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	rows := s.buildRows(ctx, w)
	if started > 0 || s.generalPaddingStale() {
		s.drawGeneral(rows, w)
	}
	s.drawBias(ctx, rows, w)
	return nil
}

// SelectFirm highlights firm on the general chart and mirrors it into the
// URL. An empty firm clears the highlight.
func (s *Session) SelectFirm(ctx context.Context, firm string) error {
	s.renderMu.Lock()
	if firm != "" && !contains(s.firms, firm) {
		s.renderMu.Unlock()
		return &models.NotFoundError{Resource: "firm", ID: firm}
	}
	s.selectedFirm = firm
	s.firmParamConsumed = true

	w := s.coord.Window()
	rows := s.buildRows(ctx, w)
	s.drawGeneral(rows, w)
	s.renderMu.Unlock()

	s.coord.SetURLParam(coordinator.ParamFirm, firm)
	s.deps.Logger.Debug(ctx, "[SESSION_FIRM] Firm selected", logging.Fields{
		"session_id": s.id,
		"firm":       firm,
	})
	return nil
}

// Layout returns the charts currently on screen
func (s *Session) Layout() charts.Layout {
	layout := s.board.Snapshot()
	w := s.coord.Window()
	layout.Window = &charts.Range{Min: w.Min(), Max: w.Max()}
	return layout
}

// Analysis returns the bias analysis of the current window
func (s *Session) Analysis() models.Analysis {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()
	return s.analysis
}

// Firms returns the firms of the current window in first-seen order
func (s *Session) Firms() []string {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()
	return append([]string(nil), s.firms...)
}

// Rows returns the row count of the current window
func (s *Session) Rows() int {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()
	return s.rows
}

// Snapshot reports the session state
func (s *Session) Snapshot() Snapshot {
	s.renderMu.Lock()
	firm := s.selectedFirm
	firms := append([]string{}, s.firms...)
	rows := s.rows
	s.renderMu.Unlock()

	snap := Snapshot{
		ID:        s.id,
		Language:  s.opts.Language,
		State:     s.coord.State(),
		Firm:      firm,
		Firms:     firms,
		Rows:      rows,
		Fetch:     s.deps.Fetcher.Status(),
		Labels:    s.opts.Labels,
		Presets:   coordinator.Presets,
		CreatedAt: s.createdAt,
	}
	if min, max, ok := s.extent.Bounds(); ok {
		snap.Extent = &charts.Range{Min: min, Max: max}
	}
	return snap
}

// Close ends the event streams of the session
func (s *Session) Close() {
	s.events.Publish(models.Event{Type: models.EventDestroy})
	s.events.Close()
}

// buildRows rebuilds the dataset for w. Callers hold renderMu.
func (s *Session) buildRows(ctx context.Context, w models.Window) []models.Row {
	rows := s.deps.Dataset.BuildDataset(ctx, s.deps.Fetcher.Periods(), w, s.extent)
	s.firms = services.Firms(rows)
	s.rows = len(rows)

	if !s.firmParamConsumed {
		s.firmParamConsumed = true
		if firm := coordinator.Params(s.coord.URL()).Get(coordinator.ParamFirm); firm != "" {
			s.selectedFirm = firm
		}
	}
	return rows
}

func (s *Session) chartOptions(w models.Window) charts.Options {
	return charts.Options{
		Parties: s.opts.Parties,
		Palette: s.opts.Palette,
		Labels:  s.opts.Labels,
		Padding: s.coord.Padding(),
		Window:  w,
	}
}

// generalPaddingStale reports whether the general chart on screen disagrees
// with the padding latch
func (s *Session) generalPaddingStale() bool {
	general, ok := s.board.Chart(charts.GeneralChartID)
	return ok && general.XOffset != s.coord.Padding()
}

// drawGeneral replaces the general chart. Callers hold renderMu.
func (s *Session) drawGeneral(rows []models.Row, w models.Window) {
	chart := charts.BuildGeneral(rows, s.selectedFirm, s.chartOptions(w))
	s.board.Replace(charts.GroupGeneral, []*charts.Chart{chart})
}

// drawBias recomputes the analysis and replaces the per-firm charts.
// Callers hold renderMu.
func (s *Session) drawBias(ctx context.Context, rows []models.Row, w models.Window) {
	s.analysis = s.deps.Stats.Analyze(ctx, rows, s.opts.Parties, s.deps.Now())
	panels, biasCharts := charts.BuildBias(rows, s.analysis, s.chartOptions(w))
	s.board.ReplaceBias(panels, biasCharts)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Factory builds sessions that share the upstream client, pacing limiter
// and period cache
type Factory struct {
	Fetcher services.FetcherConfig
	Client  *http.Client
	Limiter *rate.Limiter
	Cache   repository.PeriodRepository
	Parties []string
	Palette map[string]string
	Labels  func(lang string) models.Labels
	Logger  *logging.StructuredLogger
	Metrics *metrics.Collector
	Now     func() time.Time
	Dataset *services.DatasetService
	Stats   *services.StatisticsService
}

// New builds an unstarted session with its own fetcher
func (f *Factory) New(id, pageURL, lang string) *Session {
	logger := f.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	labels := models.DefaultLabels()
	if f.Labels != nil {
		labels = f.Labels(lang)
	}
	return New(id, pageURL, Options{
		Language: lang,
		Labels:   labels,
		Parties:  f.Parties,
		Palette:  f.Palette,
	}, Deps{
		Fetcher: services.NewFetcher(f.Fetcher, f.Client, f.Limiter, f.Cache, logger, f.Metrics),
		Dataset: f.Dataset,
		Stats:   f.Stats,
		Logger:  logger,
		Metrics: f.Metrics,
		Now:     f.Now,
	})
}
