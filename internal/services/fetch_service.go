package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"pollster-audit/internal/models"
	"pollster-audit/internal/repository"
	"pollster-audit/pkg/logging"
	"pollster-audit/pkg/metrics"
)

// FetchState is the lifecycle of one remote resource
type FetchState int

const (
	NotFetched FetchState = iota
	Fetching
	Fetched
	// Failed is terminal for periods: a failed period is not retried automatically
	Failed
)

func (s FetchState) String() string {
	switch s {
	case NotFetched:
		return "not_fetched"
	case Fetching:
		return "fetching"
	case Fetched:
		return "fetched"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// FetcherConfig controls upstream access
type FetcherConfig struct {
	IndexURL       string
	IndexCooldown  time.Duration
	RequestTimeout time.Duration
}

// PeriodStatus describes one manifest period for status reporting
type PeriodStatus struct {
	Year   string `json:"year"`
	Period string `json:"period"`
	URL    string `json:"url"`
	State  string `json:"state"`
	Rows   int    `json:"rows"`
	Error  string `json:"error,omitempty"`
}

// FetchStatus is a snapshot of everything the fetcher knows
type FetchStatus struct {
	Index          string         `json:"index"`
	LastIndexFetch *time.Time     `json:"last_index_fetch,omitempty"`
	Periods        []PeriodStatus `json:"periods"`
}

type periodEntry struct {
	year    string
	period  *models.Period
	url     string
	state   FetchState
	payload *models.PeriodPayload
	err     error
	done    chan struct{}
}

// Fetcher lazily loads the manifest and the periods a window needs.
// Each period is attempted at most once per fetcher.
type Fetcher struct {
	cfg     FetcherConfig
	client  *http.Client
	limiter *rate.Limiter
	repo    repository.PeriodRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	now     func() time.Time

	indexGroup singleflight.Group

	mu             sync.Mutex
	index          *models.Index
	indexState     FetchState
	lastIndexFetch time.Time
	periods        map[string]*periodEntry
}

// NewFetcher creates a fetcher. limiter and repo may be nil; a shared limiter
// paces upstream requests across sessions.
func NewFetcher(cfg FetcherConfig, client *http.Client, limiter *rate.Limiter, repo repository.PeriodRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
		now:     time.Now,
		periods: make(map[string]*periodEntry),
	}
}

// Index returns the current manifest, nil until the first successful load
func (f *Fetcher) Index() *models.Index {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index
}

// LoadIndex fetches the manifest unless it was requested within the cool-down
// window. A call made while a fetch is in flight joins it instead of being
// throttled. It reports true when a new manifest was installed.
func (f *Fetcher) LoadIndex(ctx context.Context) (bool, error) {
	f.mu.Lock()
	joining := f.indexState == Fetching
	if !joining {
		if !f.lastIndexFetch.IsZero() && f.now().Sub(f.lastIndexFetch) < f.cfg.IndexCooldown {
			f.mu.Unlock()
			return false, nil
		}
		f.lastIndexFetch = f.now()
		f.indexState = Fetching
	}
	f.mu.Unlock()

	// the manifest is installed inside the shared call so every joiner
	// returns with the same state
	v, err, _ := f.indexGroup.Do("index", func() (interface{}, error) {
		var ix models.Index
		fetchErr := f.getJSON(context.WithoutCancel(ctx), "index", f.cfg.IndexURL, &ix)

		f.mu.Lock()
		defer f.mu.Unlock()
		if fetchErr != nil {
			f.indexState = NotFetched
			f.lastIndexFetch = time.Time{}
			return nil, fetchErr
		}
		f.index = &ix
		f.indexState = Fetched
		return &ix, nil
	})

	if err != nil {
		f.logger.Error(ctx, "[FETCH_INDEX_ERROR] Failed to load index", logging.Fields{
			"url":    f.cfg.IndexURL,
			"joined": joining,
		}, err)
		return false, err
	}

	if !joining {
		ix := v.(*models.Index)
		periodCount := 0
		for _, y := range ix.Years {
			periodCount += len(y.Periods)
		}
		f.logger.Info(ctx, "[FETCH_INDEX] Index loaded", logging.Fields{
			"url":     f.cfg.IndexURL,
			"years":   len(ix.Years),
			"periods": periodCount,
		})
	}

	return true, nil
}

// EnsureRangeFetched starts a fetch for every unattempted period intersecting
// [from, to] and waits until every outstanding fetch in that range has
// settled, including fetches another caller started. Failed fetches are
// logged and recorded, never returned. It reports the number of new requests;
// the error is non-nil only when ctx ends before the join completes.
func (f *Fetcher) EnsureRangeFetched(ctx context.Context, from, to int64) (int, error) {
	f.mu.Lock()
	if f.index == nil {
		f.mu.Unlock()
		return 0, nil
	}

	var started, pending []*periodEntry
	for _, year := range f.index.Years {
		if !year.Range.Intersects(from, to) {
			continue
		}
		for _, p := range year.Periods {
			if !p.Range.Intersects(from, to) {
				continue
			}
			e := f.entryLocked(year.Name, p)
			switch e.state {
			case NotFetched:
				// claimed before the request goes out so no other caller duplicates it
				e.state = Fetching
				e.done = make(chan struct{})
				started = append(started, e)
				pending = append(pending, e)
			case Fetching:
				pending = append(pending, e)
			}
		}
	}
	f.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	for _, e := range started {
		go f.fetchPeriod(context.WithoutCancel(ctx), e)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range pending {
		done := e.done
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	if err := g.Wait(); err != nil {
		return len(started), fmt.Errorf("waiting for period fetches: %w", err)
	}

	f.logger.Debug(ctx, "[FETCH_RANGE] Range fetched", logging.Fields{
		"from":    from,
		"to":      to,
		"started": len(started),
		"waited":  len(pending),
	})

	return len(started), nil
}

// Periods returns every successfully downloaded period in manifest order
func (f *Fetcher) Periods() []models.DownloadedPeriod {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.index == nil {
		return nil
	}

	var out []models.DownloadedPeriod
	for _, year := range f.index.Years {
		for _, p := range year.Periods {
			e, ok := f.periods[f.resolve(p.URL)]
			if !ok || e.state != Fetched {
				continue
			}
			out = append(out, models.DownloadedPeriod{Year: year.Name, Period: p, Payload: e.payload})
		}
	}
	return out
}

// Status reports the index state and every manifest period's fetch state
func (f *Fetcher) Status() FetchStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	status := FetchStatus{Index: f.indexState.String(), Periods: []PeriodStatus{}}
	if !f.lastIndexFetch.IsZero() {
		t := f.lastIndexFetch
		status.LastIndexFetch = &t
	}
	if f.index == nil {
		return status
	}

	for _, year := range f.index.Years {
		for _, p := range year.Periods {
			ps := PeriodStatus{Year: year.Name, Period: p.Name, URL: f.resolve(p.URL), State: NotFetched.String()}
			if e, ok := f.periods[ps.URL]; ok {
				ps.State = e.state.String()
				if e.payload != nil {
					ps.Rows = len(e.payload.Data)
				}
				if e.err != nil {
					ps.Error = e.err.Error()
				}
			}
			status.Periods = append(status.Periods, ps)
		}
	}
	return status
}

func (f *Fetcher) entryLocked(year string, p *models.Period) *periodEntry {
	u := f.resolve(p.URL)
	e, ok := f.periods[u]
	if !ok {
		e = &periodEntry{year: year, period: p, url: u}
		f.periods[u] = e
	}
	return e
}

// resolve makes a period URL absolute against the index URL
func (f *Fetcher) resolve(ref string) string {
	base, err := url.Parse(f.cfg.IndexURL)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

func (f *Fetcher) fetchPeriod(ctx context.Context, e *periodEntry) {
	defer close(e.done)

	f.metrics.FetchInFlight.Inc()
	defer f.metrics.FetchInFlight.Dec()

	payload, err := f.loadPeriod(ctx, e)

	f.mu.Lock()
	if err != nil {
		e.state = Failed
		e.err = err
	} else {
		e.state = Fetched
		e.payload = payload
	}
	f.mu.Unlock()

	if err != nil {
		f.logger.Error(ctx, "[FETCH_PERIOD_ERROR] Period fetch failed, not retrying", logging.Fields{
			"year":   e.year,
			"period": e.period.Name,
			"url":    e.url,
		}, err)
	}
}

func (f *Fetcher) loadPeriod(ctx context.Context, e *periodEntry) (*models.PeriodPayload, error) {
	if f.repo != nil {
		payload, err := f.repo.GetPeriod(ctx, e.url)
		var nf *models.NotFoundError
		switch {
		case err == nil:
			f.metrics.RecordCacheLookup("hit")
			f.metrics.RecordFetch("period", "cached")
			return payload, nil
		case errors.As(err, &nf):
			f.metrics.RecordCacheLookup("miss")
		default:
			f.metrics.RecordCacheLookup("error")
			f.logger.Warn(ctx, "[FETCH_CACHE_ERROR] Period cache lookup failed, going upstream", logging.Fields{
				"url":   e.url,
				"error": err.Error(),
			})
		}
	}

	var payload models.PeriodPayload
	if err := f.getJSON(ctx, "period", e.url, &payload); err != nil {
		return nil, err
	}

	if f.repo != nil {
		dp := &models.DownloadedPeriod{Year: e.year, Period: e.period, Payload: &payload}
		if err := f.repo.PutPeriod(ctx, dp); err != nil {
			f.logger.Warn(ctx, "[FETCH_CACHE_ERROR] Failed to cache period", logging.Fields{
				"url":   e.url,
				"error": err.Error(),
			})
		}
	}

	return &payload, nil
}

// getJSON performs one paced GET and decodes the body into dest
func (f *Fetcher) getJSON(ctx context.Context, kind, rawURL string, dest interface{}) error {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			f.metrics.RecordFetch(kind, "error")
			return &models.FetchError{Resource: kind, URL: rawURL, Err: err}
		}
	}

	if f.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.RequestTimeout)
		defer cancel()
	}

	timer := f.metrics.NewTimer(f.metrics.FetchDuration.WithLabelValues(kind))
	defer timer.ObserveDuration()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		f.metrics.RecordFetch(kind, "error")
		return &models.FetchError{Resource: kind, URL: rawURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.RecordFetch(kind, "error")
		return &models.FetchError{Resource: kind, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.metrics.RecordFetch(kind, "error")
		return &models.FetchError{Resource: kind, URL: rawURL, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		f.metrics.RecordFetch(kind, "error")
		return &models.FetchError{Resource: kind, URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}

	f.metrics.RecordFetch(kind, "ok")
	return nil
}
