// Package server exposes Prometheus metrics, a health check and a read-only
// JSON API over the catalog
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"memvault/internal/backup"
	"memvault/internal/catalog"
	"memvault/internal/dedup"
	apperrors "memvault/internal/errors"
	"memvault/internal/logging"
	"memvault/internal/metrics"
	"memvault/internal/recovery"
	"memvault/internal/scheduler"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	requestTimeout   = 30 * time.Second
)

// Dependencies of the HTTP server. Dedup, Scheduler and Metrics are
// optional; their routes are not mounted when nil.
type Dependencies struct {
	Catalog   *catalog.Catalog
	Backups   *backup.Manager
	Recovery  *recovery.Manager
	Dedup     *dedup.Engine
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Collectors
	Logger    *logging.Logger
}

// Server is the HTTP surface of the serve command
type Server struct {
	deps   Dependencies
	logger *logging.Logger
	router chi.Router
	http   *http.Server
}

// New builds the router and an http.Server listening on addr
func New(addr string, deps Dependencies) (*Server, error) {
	if deps.Catalog == nil || deps.Backups == nil || deps.Recovery == nil {
		return nil, apperrors.NewConfigurationError("server requires catalog, backup and recovery managers", nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}

	s := &Server{deps: deps, logger: deps.Logger}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/backups", s.listBackups)
		r.Get("/backups/{id}", s.getBackup)
		r.Get("/restores", s.listRestores)
		r.Get("/restores/{id}", s.getRestore)
		r.Get("/rollback-points", s.listRollbackPoints)
		if s.deps.Dedup != nil {
			r.Get("/dedup/report", s.dedupReport)
			r.Get("/dedup/{id}", s.getDedupRun)
		}
		if s.deps.Scheduler != nil {
			r.Get("/jobs", s.listJobs)
		}
	})
	return r
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.http.Addr).Info("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return apperrors.New(apperrors.KindConfiguration, "http server failed", err).WithContext("addr", s.http.Addr)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.deps.Catalog.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "catalog": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listBackups(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	recs, err := s.deps.Backups.ListBackups(r.Context(), catalog.BackupType(r.URL.Query().Get("type")), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

func (s *Server) getBackup(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Backups.GetBackup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listRestores(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	recs, err := s.deps.Recovery.ListRestores(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

func (s *Server) getRestore(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Recovery.GetRestore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listRollbackPoints(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	recs, err := s.deps.Recovery.ListRollbackPoints(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

func (s *Server) dedupReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Dedup.Report(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) getDedupRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Dedup.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.deps.Scheduler.Jobs()))
}

func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, apperrors.NewInvalidArgument("limit must be an integer between 1 and 1000", err)
	}
	return n, nil
}

// statusFor maps error kinds to HTTP statuses
func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindInvalidArgument:
		return http.StatusBadRequest
	case apperrors.KindConflict, apperrors.KindInvalidState:
		return http.StatusConflict
	case apperrors.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithField("error", err.Error()).Error("API request failed")
	}
	writeJSON(w, status, map[string]string{
		"error":   string(apperrors.KindOf(err)),
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
