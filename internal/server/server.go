// Package server is the HTTP surface: upload, dataset inspection,
// analytics, dashboard, AI insight, report exports and admin.
//
// Handlers stay thin: parse the request, call one service, map the
// error onto a status. All error bodies are JSON {"error": "..."} so
// clients never branch on content type.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"bizmon/internal/canonical"
	"bizmon/internal/export"
	"bizmon/internal/metrics"
	"bizmon/internal/narrative"
	"bizmon/internal/query"
	"bizmon/internal/ratelimit"
	"bizmon/internal/storage"
)

// Server wires the services behind the HTTP routes.
type Server struct {
	Repo      storage.Repository
	Engine    *query.Engine
	Canonical *canonical.Store
	Exports   *export.Builder
	Limiter   *ratelimit.Limiter
	Narrator  *narrative.Orchestrator

	// MaxUploadBytes caps the request body on /api/upload.
	MaxUploadBytes int64

	Log *log.Logger

	// now is a test seam for dataset table naming.
	now func() time.Time
}

// New builds a Server around an open repository.
func New(repo storage.Repository, limiter *ratelimit.Limiter, narrator *narrative.Orchestrator, maxUpload int64, logger *log.Logger) *Server {
	engine := &query.Engine{Repo: repo}
	if narrator == nil {
		narrator = &narrative.Orchestrator{}
	}
	return &Server{
		Repo:           repo,
		Engine:         engine,
		Canonical:      &canonical.Store{Repo: repo},
		Exports:        &export.Builder{Repo: repo, Engine: engine},
		Limiter:        limiter,
		Narrator:       narrator,
		MaxUploadBytes: maxUpload,
		Log:            logger,
		now:            time.Now,
	}
}

// Router assembles the chi route tree with logging, panic recovery and
// permissive CORS for browser frontends.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))
	r.Use(requestMetrics)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)

		r.Get("/datasets", s.handleListDatasets)
		r.Get("/datasets/{table}/rows", s.handleDatasetRows)
		r.Get("/datasets/{table}/summary", s.handleDatasetSummary)

		r.Get("/analytics/aggregate", s.handleAggregate)
		r.Get("/analytics/timeseries", s.handleTimeSeries)
		r.Get("/analytics/kpi", s.handleKPI)

		r.Get("/dashboard/smart", s.handleSmartDashboard)

		r.Post("/ai/insight", s.handleInsight)
		r.Get("/ai/query", s.handleAIQuery)

		r.Get("/export/summary.csv", s.handleExportCSV("summary.csv"))
		r.Get("/export/by_product.csv", s.handleExportCSV("by_product.csv"))
		r.Get("/export/by_region.csv", s.handleExportCSV("by_region.csv"))
		r.Get("/export/by_customer.csv", s.handleExportCSV("by_customer.csv"))
		r.Get("/export/transactions.csv", s.handleExportCSV("transactions.csv"))
		r.Get("/export/all.zip", s.handleExportZip)
		r.Get("/template.csv", s.handleTemplate)

		r.Post("/admin/reset", s.handleReset)
	})

	return r
}

// requestMetrics records a duration sample per route pattern and
// status class.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHistogram("bizmon_request_duration_seconds", time.Since(start).Seconds(), metrics.Labels{
			"route":  route,
			"status": strconv.Itoa(ww.Status()),
		})
	})
}

func (s *Server) logf(format string, args ...any) {
	if s.Log != nil {
		s.Log.Printf(format, args...)
	}
}

// clientKey identifies the caller for rate limiting: the API key when
// one is sent, otherwise the remote host.
func clientKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeMappedError translates service errors onto HTTP statuses.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNoDataset):
		writeError(w, http.StatusNotFound, "no dataset uploaded yet")
	case errors.Is(err, query.ErrInvalidField), errors.Is(err, query.ErrInvalidOp):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logf("stage=http err=%v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Repo.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.Canonical.Reset(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.logf("stage=admin op=reset deleted=%d", deleted)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": deleted})
}
