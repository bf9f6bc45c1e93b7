// Package console exposes a monitor.Monitor over HTTP for the operator view.
package console

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/vyvo/trainconsole/pkg/monitor"
	"github.com/vyvo/trainconsole/pkg/trainapi"
	"github.com/vyvo/trainconsole/pkg/trainjob"
)

// Logger receives request outcomes and upstream failures.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Handler serves the console routes. At most one start or stop request is
// forwarded at a time; mutating requests arriving meanwhile get 409.
type Handler struct {
	monitor  *monitor.Monitor
	logger   Logger
	inflight atomic.Bool
}

// NewHandler wraps m. A nil logger discards output.
func NewHandler(m *monitor.Monitor, logger Logger) *Handler {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Handler{monitor: m, logger: logger}
}

// Routes returns a router meant to be mounted at /api/train.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleSnapshot)
	r.Post("/start", h.handleStart)
	r.Post("/stop", h.handleStop)
	r.Post("/refresh", h.handleRefresh)
	r.Post("/logs", h.handleLogs)
	r.Post("/result", h.handleResult)
	r.Put("/config", h.handleSaveConfig)
	return r
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.monitor.Snapshot(), http.StatusOK)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfig(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cfg == nil {
		cfg = h.monitor.Snapshot().Config
	}
	if !h.inflight.CompareAndSwap(false, true) {
		respondError(w, http.StatusConflict, "a start or stop request is already in flight")
		return
	}
	defer h.inflight.Store(false)

	if err := h.monitor.Start(r.Context(), cfg); err != nil {
		h.logger.Error("start training failed", "error", err)
		h.respondMonitorError(w, err)
		return
	}
	h.logger.Info("training started")
	respondJSON(w, h.monitor.Snapshot(), http.StatusOK)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	if !h.inflight.CompareAndSwap(false, true) {
		respondError(w, http.StatusConflict, "a start or stop request is already in flight")
		return
	}
	defer h.inflight.Store(false)

	if err := h.monitor.Stop(r.Context()); err != nil {
		h.logger.Error("stop training failed", "error", err)
		h.respondMonitorError(w, err)
		return
	}
	h.logger.Info("training stopped")
	respondJSON(w, h.monitor.Snapshot(), http.StatusOK)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Refresh(r.Context()); err != nil {
		h.respondMonitorError(w, err)
		return
	}
	respondJSON(w, h.monitor.Snapshot(), http.StatusOK)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.FetchLogs(r.Context()); err != nil {
		h.respondMonitorError(w, err)
		return
	}
	respondJSON(w, h.monitor.Snapshot(), http.StatusOK)
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.FetchResult(r.Context()); err != nil {
		h.respondMonitorError(w, err)
		return
	}
	respondJSON(w, h.monitor.Snapshot(), http.StatusOK)
}

func (h *Handler) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	if h.inflight.Load() {
		respondError(w, http.StatusConflict, "a start or stop request is already in flight")
		return
	}
	cfg, err := decodeConfig(r.Body)
	if err != nil || cfg == nil {
		respondError(w, http.StatusBadRequest, "invalid config body")
		return
	}
	if err := h.monitor.SaveConfig(r.Context(), cfg); err != nil {
		h.logger.Error("save config failed", "error", err)
		h.respondMonitorError(w, err)
		return
	}
	respondJSON(w, h.monitor.Snapshot(), http.StatusOK)
}

func (h *Handler) respondMonitorError(w http.ResponseWriter, err error) {
	var apiErr *trainapi.APIError
	switch {
	case errors.Is(err, monitor.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, trainapi.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trainapi.ErrRejected):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest:
		respondError(w, http.StatusBadRequest, apiErr.Message)
	default:
		respondError(w, http.StatusBadGateway, err.Error())
	}
}

// decodeConfig returns nil for an empty body.
func decodeConfig(body io.Reader) (trainjob.Config, error) {
	var cfg trainjob.Config
	if err := json.NewDecoder(body).Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, errors.New("invalid config body")
	}
	return cfg, nil
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]any{"success": false, "message": message}, status)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
