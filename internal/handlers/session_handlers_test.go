package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollster-audit/internal/charts"
	"pollster-audit/internal/models"
	"pollster-audit/internal/repository"
	"pollster-audit/internal/services"
	"pollster-audit/internal/session"
	"pollster-audit/pkg/logging"
	"pollster-audit/pkg/metrics"
)

var testNow = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

func ms(y int, m time.Month, d int) int64 {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixMilli()
}

func newPollServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := http.NewServeMux()
	r.HandleFunc("/v1/index.json", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"2025": {"range": [%d, %d],
			"campaign_period": {"range": [%d, %d], "url": "2025/campaign.json"}}}`,
			ms(2025, 3, 23), ms(2025, 4, 28), ms(2025, 3, 23), ms(2025, 4, 28))
	})
	r.HandleFunc("/v1/2025/campaign.json", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"headings": ["PollingFirm", "Date", "SampleSize", "CPC", "LPC"], "data": [
			["Abacus Data", %d, 1500, 40, 30],
			["Nanos", %d, 1000, 38, 32]
		]}`, ms(2025, 3, 25), ms(2025, 4, 1))
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

type harness struct {
	server  *httptest.Server
	store   *session.Store
	metrics *metrics.Collector
}

func newHarness(t *testing.T, maxSessions int) *harness {
	t.Helper()
	upstream := newPollServer(t)
	logger := logging.NewNopLogger()
	collector := metrics.NewCollector("test", prometheus.NewRegistry())
	cache := repository.NewMemoryPeriodRepository()

	factory := &session.Factory{
		Fetcher: services.FetcherConfig{
			IndexURL:       upstream.URL + "/v1/index.json",
			IndexCooldown:  time.Minute,
			RequestTimeout: 5 * time.Second,
		},
		Client:  upstream.Client(),
		Cache:   cache,
		Parties: []string{"CPC", "LPC"},
		Palette: map[string]string{"CPC": "#36A2EB", "LPC": "#FF6384"},
		Logger:  logger,
		Metrics: collector,
		Now:     func() time.Time { return testNow },
	}
	store := session.NewStore(session.StoreConfig{IdleTTL: time.Hour, MaxSessions: maxSessions}, logger, collector)
	t.Cleanup(store.CloseAll)

	h := NewSessionHandler(Config{DefaultLanguage: "en"}, store, factory, cache, logger, collector)
	router := mux.NewRouter()
	router.Use(Instrument(logger, collector))
	h.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &harness{server: server, store: store, metrics: collector}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func (h *harness) createSession(t *testing.T, pageURL string) session.Snapshot {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{URL: pageURL})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var snap session.Snapshot
	decodeInto(t, resp, &snap)
	return snap
}

func TestCreateAndInspectSession(t *testing.T) {
	h := newHarness(t, 0)
	snap := h.createSession(t, "https://pollsteraudit.ca/en/")

	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "en", snap.Language)
	assert.Equal(t, []string{"Abacus Data", "Nanos"}, snap.Firms)
	assert.Equal(t, 2, snap.Rows)

	resp := h.do(t, http.MethodGet, "/api/sessions/"+snap.ID+"/charts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var layout charts.Layout
	decodeInto(t, resp, &layout)
	require.NotEmpty(t, layout.Charts)
	assert.Equal(t, charts.GeneralChartID, layout.Charts[0].ID)
	assert.Len(t, layout.Firms, 2)

	resp = h.do(t, http.MethodGet, "/api/sessions/"+snap.ID+"/analysis", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var analysis models.Analysis
	decodeInto(t, resp, &analysis)
	assert.InDelta(t, 39.0, analysis.OverallAverages["CPC"], 1e-9)

	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		h.metrics.APIRequestsTotal.WithLabelValues("/api/sessions/{id}/analysis", "GET", "200")))
}

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t, 0)

	resp := h.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{URL: "not a url"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e ErrorResponse
	decodeInto(t, resp, &e)
	assert.Contains(t, e.Message, "url")

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/api/sessions", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestSessionLimit(t *testing.T) {
	h := newHarness(t, 1)
	h.createSession(t, "https://pollsteraudit.ca/en/")

	resp := h.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{URL: "https://pollsteraudit.ca/en/"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRangeEndpoints(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createSession(t, "https://pollsteraudit.ca/en/").ID

	resp := h.do(t, http.MethodPost, "/api/sessions/"+id+"/range/preset", PresetRequest{Preset: "all"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap session.Snapshot
	decodeInto(t, resp, &snap)
	assert.Equal(t, "https://pollsteraudit.ca/en/", snap.State.URL)

	resp = h.do(t, http.MethodPost, "/api/sessions/"+id+"/range/preset", PresetRequest{Preset: "nextDecade"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/sessions/"+id+"/range/custom", CustomRangeRequest{Start: "2025-04-10", End: "2025-03-01"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/sessions/"+id+"/range/custom", CustomRangeRequest{Start: "2025-03-24", End: "2025-03-31"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &snap)
	assert.Equal(t, []string{"Abacus Data"}, snap.Firms)
	assert.Contains(t, snap.State.URL, "startDate=2025-03-24")

	min, max := ms(2025, 3, 20), ms(2025, 4, 5)
	resp = h.do(t, http.MethodPost, "/api/sessions/"+id+"/zoom", ZoomRequest{ChartID: charts.GeneralChartID, Min: &min, Max: &max})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var zr ZoomResponse
	decodeInto(t, resp, &zr)
	assert.True(t, zr.Applied)
	assert.False(t, zr.Session.State.Padding)

	resp = h.do(t, http.MethodPost, "/api/sessions/"+id+"/zoom", map[string]string{"chart_id": charts.GeneralChartID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "bounds are required")
}

func TestFirmSelectionAndDelete(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createSession(t, "https://pollsteraudit.ca/en/").ID

	resp := h.do(t, http.MethodPost, "/api/sessions/"+id+"/firm", FirmRequest{Firm: "Nanos"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap session.Snapshot
	decodeInto(t, resp, &snap)
	assert.Equal(t, "Nanos", snap.Firm)
	assert.Contains(t, snap.State.URL, "firm=Nanos")

	resp = h.do(t, http.MethodPost, "/api/sessions/"+id+"/firm", FirmRequest{Firm: "Mainstreet"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = h.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, h.store.Len())
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t, 0)
	h.createSession(t, "https://pollsteraudit.ca/en/")

	resp := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	decodeInto(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, 1.0, body["sessions"])
	assert.Equal(t, 1.0, body["cached_periods"])
}

func TestDocsEndpoints(t *testing.T) {
	h := newHarness(t, 0)

	resp := h.do(t, http.MethodGet, "/api/docs/openapi.json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc map[string]interface{}
	decodeInto(t, resp, &doc)
	assert.Contains(t, doc["paths"], "/api/sessions/{id}/range/preset")

	resp = h.do(t, http.MethodGet, "/api/docs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page bytes.Buffer
	_, err := page.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, page.String(), "<title>Pollster Audit API</title>")
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, 0)
	id := h.createSession(t, "https://pollsteraudit.ca/en/").ID

	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/api/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first, second models.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, models.EventLabel, first.Type)
	assert.Equal(t, models.EventURL, second.Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "zoom", "chart_id": charts.GeneralChartID,
		"min": ms(2025, 3, 20), "max": ms(2025, 4, 5),
	}))

	seenRange := false
	for !seenRange {
		var e models.Event
		require.NoError(t, conn.ReadJSON(&e))
		if e.Type == models.EventRange {
			seenRange = true
			assert.Equal(t, ms(2025, 3, 20), e.Min)
			assert.NotEqual(t, charts.GeneralChartID, e.ChartID, "the zoomed chart is not told its own bounds")
		}
	}

	require.NoError(t, h.store.Delete(id))
	for {
		var e models.Event
		if err := conn.ReadJSON(&e); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
	}
}
