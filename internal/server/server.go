package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/raysh454/kansa/internal/logging"
	"github.com/raysh454/kansa/internal/model"
	"github.com/raysh454/kansa/internal/store"
)

// Engine is the orchestrator surface the API consumes. The concrete type
// lives in internal/app; keeping the contract here lets handler tests run
// against a stub.
type Engine interface {
	CreateJob(ctx context.Context, target string, depth model.Depth, options model.ScanOptions, ownerID string) (*model.ScanJob, error)
	GetJob(ctx context.Context, id string) (*model.ScanJob, error)
	ListJobs(ctx context.Context, ownerID string, limit int) ([]*model.ScanJob, error)
	GetResult(ctx context.Context, jobID string) (*model.ScanResult, error)
	CancelJob(ctx context.Context, id string) error
	DeleteJob(ctx context.Context, id string, force bool) error
	SweepStalledJobs(ctx context.Context) (int, error)
}

// Server is the REST API surface for the scan engine.
type Server struct {
	cfg    Config
	engine Engine
	router chi.Router
	logger logging.Logger
	http   *http.Server
}

// New builds the server around an already-constructed engine.
func New(cfg Config, engine Engine, logger logging.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		router: chi.NewRouter(),
		logger: logger.With(logging.Field{Key: "component", Value: "server"}),
	}
	s.routes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)

	r.Options("/scans", s.optionsHandler("GET, POST"))
	r.Options("/scans/{id}", s.optionsHandler("GET, DELETE"))
	r.Options("/scans/{id}/result", s.optionsHandler("GET"))

	r.Post("/scans", s.handleCreateScan)
	r.Get("/scans", s.handleListScans)
	r.Get("/scans/{id}", s.handleGetScan)
	r.Get("/scans/{id}/result", s.handleGetResult)
	r.Delete("/scans/{id}", s.handleDeleteScan)

	r.Post("/admin/sweep", s.handleSweep)
	r.Get("/healthz", s.handleHealthz)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler with request logging.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("http_request",
		logging.Field{Key: "method", Value: r.Method},
		logging.Field{Key: "path", Value: r.URL.Path})

	if r.Body != nil && s.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}
	s.router.ServeHTTP(w, r)
}

// Start begins serving in the background. Fatal listener errors surface on
// the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", logging.Field{Key: "addr", Value: s.cfg.Addr})
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ─── JSON helpers ──────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps engine sentinels onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound), errors.Is(err, store.ErrResultNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrJobActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Warn("request failed", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ─── Handlers ──────────────────────────────────────────────────────────

// createScanRequest is the POST /scans payload. Unknown keys are rejected so
// a misspelled option never silently disables a check.
type createScanRequest struct {
	Target  string            `json:"target"`
	Depth   int               `json:"depth"`
	Options model.ScanOptions `json:"options"`
	OwnerID string            `json:"owner_id"`
}

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	var body createScanRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Depth == 0 {
		body.Depth = int(model.DepthStandard)
	}

	job, err := s.engine.CreateJob(r.Context(), body.Target, model.Depth(body.Depth), body.Options, body.OwnerID)
	if err != nil {
		// Create-time failures are overwhelmingly validation errors.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("scan accepted",
		logging.Field{Key: "job_id", Value: job.ID},
		logging.Field{Key: "target", Value: job.Target})
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	limit := parseLimit(r.URL.Query().Get("limit"), 100)

	jobs, err := s.engine.ListJobs(r.Context(), ownerID, limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.engine.GetJob(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.engine.GetResult(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleDeleteScan cancels a job. With ?force=1 it deletes the job and its
// result outright, which is audit-logged as an operator action.
func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "1"

	if force {
		s.logger.Warn("force delete requested",
			logging.Field{Key: "job_id", Value: id},
			logging.Field{Key: "remote_addr", Value: r.RemoteAddr})
		if err := s.engine.DeleteJob(r.Context(), id, true); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
		return
	}

	if err := s.engine.CancelJob(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info("cancel requested", logging.Field{Key: "job_id", Value: id})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.SweepStalledJobs(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info("manual sweep", logging.Field{Key: "stalled", Value: n})
	writeJSON(w, http.StatusOK, map[string]int{"stalled": n})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil || v <= 0 {
		return def
	}
	return v
}
