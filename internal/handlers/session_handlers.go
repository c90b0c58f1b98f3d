package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"pollster-audit/internal/models"
	"pollster-audit/internal/repository"
	"pollster-audit/internal/session"
	"pollster-audit/pkg/logging"
	"pollster-audit/pkg/metrics"
)

const maxBodySize = 64 * 1024

// Config tunes the session API
type Config struct {
	DefaultLanguage string
	AllowedOrigins  []string
}

// SessionHandler serves the dashboard session API
type SessionHandler struct {
	cfg      Config
	store    *session.Store
	factory  *session.Factory
	cache    repository.PeriodRepository
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
}

// NewSessionHandler creates a new session handler. cache may be nil.
func NewSessionHandler(
	cfg Config,
	store *session.Store,
	factory *session.Factory,
	cache repository.PeriodRepository,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *SessionHandler {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	h := &SessionHandler{
		cfg:      cfg,
		store:    store,
		factory:  factory,
		cache:    cache,
		validate: v,
		logger:   logger,
		metrics:  metricsCollector,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// CreateSessionRequest opens a dashboard for a page URL
type CreateSessionRequest struct {
	URL  string `json:"url" validate:"required,url"`
	Lang string `json:"lang" validate:"omitempty,bcp47_language_tag"`
}

// PresetRequest selects a named range
type PresetRequest struct {
	Preset string `json:"preset" validate:"required"`
}

// CustomRangeRequest applies the custom range form
type CustomRangeRequest struct {
	Start string `json:"start" validate:"required"`
	End   string `json:"end" validate:"required"`
}

// ZoomRequest reports a chart's bounds after a user zoom or pan
type ZoomRequest struct {
	ChartID string `json:"chart_id" validate:"required"`
	Min     *int64 `json:"min" validate:"required"`
	Max     *int64 `json:"max" validate:"required"`
}

// FirmRequest selects the highlighted firm; empty clears it
type FirmRequest struct {
	Firm string `json:"firm"`
}

// ZoomResponse tells whether a zoom event was applied
type ZoomResponse struct {
	Applied bool             `json:"applied"`
	Session session.Snapshot `json:"session"`
}

// CreateSession handles POST /api/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateSessionRequest
	if err := h.decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	lang := req.Lang
	if lang == "" {
		lang = h.cfg.DefaultLanguage
	}

	sess, err := h.store.Create(func(id string) *session.Session {
		return h.factory.New(id, req.URL, lang)
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if err := sess.Start(ctx); err != nil {
		h.logger.Error(ctx, "[API_CREATE_SESSION_ERROR] Failed to start session", logging.Fields{
			"session_id": sess.ID(),
			"url":        req.URL,
		}, err)
		_ = h.store.Delete(sess.ID())
		h.handleError(w, r, err)
		return
	}

	h.logger.Info(ctx, "[API_CREATE_SESSION] Session created", logging.Fields{
		"session_id": sess.ID(),
		"lang":       lang,
	})
	h.sendJSON(w, sess.Snapshot(), http.StatusCreated)
}

// GetSession handles GET /api/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.sendJSON(w, sess.Snapshot(), http.StatusOK)
}

// GetCharts handles GET /api/sessions/{id}/charts
func (h *SessionHandler) GetCharts(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.sendJSON(w, sess.Layout(), http.StatusOK)
}

// GetAnalysis handles GET /api/sessions/{id}/analysis
func (h *SessionHandler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.sendJSON(w, sess.Analysis(), http.StatusOK)
}

// ApplyPreset handles POST /api/sessions/{id}/range/preset
func (h *SessionHandler) ApplyPreset(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req PresetRequest
	if err := h.decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	ctx := logging.WithSessionID(r.Context(), sess.ID())
	if err := sess.Coordinator().ApplyNamedRange(ctx, req.Preset); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.sendJSON(w, sess.Snapshot(), http.StatusOK)
}

// ApplyCustomRange handles POST /api/sessions/{id}/range/custom. A start
// after the end answers 400 with the localized message.
func (h *SessionHandler) ApplyCustomRange(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req CustomRangeRequest
	if err := h.decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	ctx := logging.WithSessionID(r.Context(), sess.ID())
	if err := sess.Coordinator().ApplyCustomRange(ctx, req.Start, req.End); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.sendJSON(w, sess.Snapshot(), http.StatusOK)
}

// Zoom handles POST /api/sessions/{id}/zoom
func (h *SessionHandler) Zoom(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req ZoomRequest
	if err := h.decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	ctx := logging.WithSessionID(r.Context(), sess.ID())
	applied, err := sess.Coordinator().OnZoomOrPan(ctx, req.ChartID, *req.Min, *req.Max)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.sendJSON(w, ZoomResponse{Applied: applied, Session: sess.Snapshot()}, http.StatusOK)
}

// SelectFirm handles POST /api/sessions/{id}/firm
func (h *SessionHandler) SelectFirm(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req FirmRequest
	if err := h.decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	ctx := logging.WithSessionID(r.Context(), sess.ID())
	if err := sess.SelectFirm(ctx, req.Firm); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.sendJSON(w, sess.Snapshot(), http.StatusOK)
}

// DeleteSession handles DELETE /api/sessions/{id}
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.Delete(id); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.logger.Info(r.Context(), "[API_DELETE_SESSION] Session closed", logging.Fields{
		"session_id": id,
	})
	w.WriteHeader(http.StatusNoContent)
}

// HealthCheck handles GET /health
func (h *SessionHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions":  h.store.Len(),
	}
	code := http.StatusOK

	if h.cache != nil {
		if err := h.cache.HealthCheck(ctx); err != nil {
			h.logger.Warn(ctx, "[HEALTH_CHECK] Period cache unhealthy", logging.Fields{
				"error": err.Error(),
			})
			status["status"] = "degraded"
			status["cache"] = err.Error()
			code = http.StatusServiceUnavailable
		} else if n, err := h.cache.CountPeriods(ctx); err == nil {
			status["cached_periods"] = n
		}
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, code)
}

// RegisterRoutes registers all session API routes
func (h *SessionHandler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/sessions").Subrouter()
	api.HandleFunc("", h.CreateSession).Methods("POST")
	api.HandleFunc("/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/{id}", h.DeleteSession).Methods("DELETE")
	api.HandleFunc("/{id}/charts", h.GetCharts).Methods("GET")
	api.HandleFunc("/{id}/analysis", h.GetAnalysis).Methods("GET")
	api.HandleFunc("/{id}/range/preset", h.ApplyPreset).Methods("POST")
	api.HandleFunc("/{id}/range/custom", h.ApplyCustomRange).Methods("POST")
	api.HandleFunc("/{id}/zoom", h.Zoom).Methods("POST")
	api.HandleFunc("/{id}/firm", h.SelectFirm).Methods("POST")
	api.HandleFunc("/{id}/ws", h.EventStream).Methods("GET")

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/api/docs", SwaggerUI).Methods("GET")
	router.HandleFunc("/api/docs/openapi.json", OpenAPISpec).Methods("GET")
}

// session resolves the {id} route variable, answering 404 when unknown
func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := h.store.Get(mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, r, err)
		return nil, false
	}
	return sess, true
}

// decode reads a JSON body into dst and validates it
func (h *SessionHandler) decode(r *http.Request, dst interface{}) error {
	body := io.LimitReader(r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return &models.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &models.ValidationError{
				Field:   fe.Field(),
				Value:   fmt.Sprint(fe.Value()),
				Message: fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()),
			}
		}
		return err
	}
	return nil
}

// handleError maps domain errors onto HTTP status codes
func (h *SessionHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *models.ValidationError
		nf   *models.NotFoundError
		fe   *models.FetchError
	)

	switch {
	case errors.As(err, &verr):
		h.metrics.RecordAPIError("validation", routeName(r))
		h.sendError(w, verr.Message, http.StatusBadRequest)
	case errors.As(err, &nf):
		h.metrics.RecordAPIError("not_found", routeName(r))
		h.sendError(w, nf.Error(), http.StatusNotFound)
	case errors.As(err, &fe):
		h.metrics.RecordAPIError("upstream", routeName(r))
		h.sendError(w, "polling data source unavailable", http.StatusBadGateway)
	case errors.Is(err, session.ErrStoreFull):
		h.metrics.RecordAPIError("capacity", routeName(r))
		h.sendError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error(r.Context(), "[API_ERROR] Request failed", logging.Fields{
			"path": r.URL.Path,
		}, err)
		h.metrics.RecordAPIError("internal_error", routeName(r))
		h.sendError(w, "internal error", http.StatusInternalServerError)
	}
}

// sendJSON sends a JSON response
func (h *SessionHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *SessionHandler) sendError(w http.ResponseWriter, message string, statusCode int) {
	h.sendJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

func (h *SessionHandler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// routeName is the mux path template of r, for metric labels
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func statusLabel(code int) string {
	return strconv.Itoa(code)
}
