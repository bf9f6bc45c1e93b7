// Package trainserver serves the training API consumed by the console: job
// status, start/stop, hyperparameters, logs, results and artifact export.
package trainserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/vyvo/trainconsole/pkg/artifact"
	"github.com/vyvo/trainconsole/pkg/auth"
	"github.com/vyvo/trainconsole/pkg/logging"
	"github.com/vyvo/trainconsole/pkg/telemetry"
	"github.com/vyvo/trainconsole/pkg/trainer"
	"github.com/vyvo/trainconsole/pkg/trainjob"
	"github.com/vyvo/trainconsole/pkg/trainstore"
)

const tracerName = "github.com/vyvo/trainconsole/pkg/trainserver"

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Exporter pushes a completed job's weights to a device.
type Exporter interface {
	Export(ctx context.Context, target artifact.Target, job trainjob.Job) (artifact.Receipt, error)
}

type Options struct {
	Store      trainstore.Store
	Runner     *trainer.Runner
	Exporter   Exporter
	Logger     Logger
	AuthScheme string
	AuthToken  string
}

type Server struct {
	store      trainstore.Store
	runner     *trainer.Runner
	exporter   Exporter
	logger     Logger
	authScheme string
	authToken  string

	// startMu serialises the busy check with job creation.
	startMu sync.Mutex
}

type exportRequest struct {
	JobID string `json:"job_id"`
	artifact.Target
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	scheme := opts.AuthScheme
	if scheme == "" {
		scheme = "Bearer"
	}
	return &Server{
		store:      opts.Store,
		runner:     opts.Runner,
		exporter:   opts.Exporter,
		logger:     logger,
		authScheme: scheme,
		authToken:  opts.AuthToken,
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.AccessLog(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/train", func(r chi.Router) {
		r.Use(telemetry.Middleware(tracerName))
		r.Use(auth.Require(s.authScheme, s.authToken))

		r.Get("/status", s.handleStatus)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Get("/result", s.handleResult)
		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handleUpdateConfig)
		r.Get("/logs", s.handleLogs)
		r.Get("/jobs", s.handleListJobs)
		r.Post("/export", s.handleExport)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.resolveJob(r.Context(), r.URL.Query().Get("job_id"))
	if errors.Is(err, errNoJobs) {
		respondJSON(w, trainjob.StatusResponse{Status: trainjob.StatusIdle}, http.StatusOK)
		return
	}
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	respondJSON(w, trainjob.StatusResponse{
		Status:   job.Status,
		Message:  job.Message,
		Progress: job.Progress,
	}, http.StatusOK)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfig(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	if active, ok := s.runner.Active(); ok {
		respondJSON(w, trainjob.Ack{Success: false, Message: "training already in progress", JobID: active}, http.StatusOK)
		return
	}

	now := time.Now().UTC()
	job := trainjob.Job{
		ID:        uuid.NewString(),
		Status:    trainjob.StatusPreparing,
		Message:   "queued",
		Config:    cfg.WithDefaults(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("create training job", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	if err := s.runner.Start(job.ID, job.Config); err != nil {
		s.abortStart(r.Context(), job.ID, err)
		respondJSON(w, trainjob.Ack{Success: false, Message: err.Error(), JobID: job.ID}, http.StatusOK)
		return
	}

	s.logger.Info("training started", "job_id", job.ID)
	respondJSON(w, trainjob.Ack{Success: true, Message: "training started", JobID: job.ID}, http.StatusOK)
}

// abortStart marks a created job as failed when the runner refused it.
func (s *Server) abortStart(ctx context.Context, jobID string, cause error) {
	s.logger.Error("start training job", "job_id", jobID, "error", cause)
	if err := s.store.UpdateStatus(ctx, jobID, trainjob.StatusError, 0, cause.Error()); err != nil {
		s.logger.Error("record start failure", "job_id", jobID, "error", err)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if !s.runner.Stop(jobID) {
		respondJSON(w, trainjob.Ack{Success: false, Message: "no active training job", JobID: jobID}, http.StatusOK)
		return
	}
	s.logger.Info("training stop requested", "job_id", jobID)
	respondJSON(w, trainjob.Ack{Success: true, Message: "stop requested", JobID: jobID}, http.StatusOK)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.resolveJob(r.Context(), r.URL.Query().Get("job_id"))
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	if job.Result == nil {
		respondError(w, http.StatusNotFound, "no result available")
		return
	}
	respondJSON(w, job.Result, http.StatusOK)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.Config(r.Context())
	if errors.Is(err, trainstore.ErrNotFound) {
		respondJSON(w, trainjob.DefaultConfig(), http.StatusOK)
		return
	}
	if err != nil {
		s.logger.Error("load config", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load config")
		return
	}
	respondJSON(w, cfg, http.StatusOK)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfig(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SaveConfig(r.Context(), cfg); err != nil {
		s.logger.Error("save config", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save config")
		return
	}
	respondJSON(w, trainjob.Ack{Success: true, Message: "config saved"}, http.StatusOK)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	pageSize, err := queryInt(r, "page_size", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.resolveJob(r.Context(), r.URL.Query().Get("job_id"))
	if errors.Is(err, errNoJobs) {
		respondJSON(w, []trainjob.LogEntry{}, http.StatusOK)
		return
	}
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	logs, err := s.store.Logs(r.Context(), job.ID, page, pageSize)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	respondJSON(w, logs, http.StatusOK)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []trainjob.Job{}
	}
	respondJSON(w, jobs, http.StatusOK)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		respondError(w, http.StatusNotImplemented, "artifact export is not configured")
		return
	}
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = r.URL.Query().Get("job_id")
	}
	job, err := s.resolveJob(r.Context(), jobID)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	if job.Status != trainjob.StatusCompleted {
		respondError(w, http.StatusConflict, fmt.Sprintf("job %s is %s, not completed", job.ID, job.Status))
		return
	}

	receipt, err := s.exporter.Export(r.Context(), req.Target, job)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, map[string]any{
		"success": true,
		"message": "artifact exported",
		"job_id":  job.ID,
		"receipt": receipt,
	}, http.StatusOK)
}

var errNoJobs = errors.New("no training jobs")

func (s *Server) resolveJob(ctx context.Context, jobID string) (trainjob.Job, error) {
	if jobID != "" {
		return s.store.GetJob(ctx, jobID)
	}
	job, err := s.store.CurrentJob(ctx)
	if errors.Is(err, trainstore.ErrNotFound) {
		return trainjob.Job{}, errNoJobs
	}
	return job, err
}

func (s *Server) respondLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNoJobs):
		respondError(w, http.StatusNotFound, "no training job")
	case errors.Is(err, trainstore.ErrNotFound):
		respondError(w, http.StatusNotFound, "job not found")
	default:
		s.logger.Error("job lookup", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load job")
	}
}

func decodeConfig(body io.Reader) (trainjob.Config, error) {
	var cfg trainjob.Config
	if err := json.NewDecoder(body).Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return trainjob.Config{}, nil
		}
		return nil, fmt.Errorf("invalid config body: %w", err)
	}
	if cfg == nil {
		cfg = trainjob.Config{}
	}
	return cfg, nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return v, nil
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
