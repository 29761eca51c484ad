// Package httpapi exposes the admin surface: health, status, manual pipeline
// control, scheduler job management, run history, events, and Prometheus
// metrics.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/finpulse/finpulse/internal/metrics"
	"github.com/finpulse/finpulse/internal/models"
	"github.com/finpulse/finpulse/internal/pipeline"
	"github.com/finpulse/finpulse/internal/quota"
	"github.com/finpulse/finpulse/internal/ratelimit"
	"github.com/finpulse/finpulse/internal/scheduler"
)

// PipelineController is the server's view of the pipeline.
type PipelineController interface {
	Run(ctx context.Context, cfg pipeline.RunConfig) *models.PipelineResult
	Cancel()
	Running() bool
	LastResult() *models.PipelineResult
	HealthCheck(ctx context.Context) map[string]interface{}
}

// JobManager is the server's view of the scheduler. Nil when the scheduler
// is disabled; job endpoints then answer 503.
type JobManager interface {
	ListJobs() []scheduler.Job
	RefreshJobs() ([]scheduler.Job, error)
	EnableJob(id string) error
	DisableJob(id string) error
	CancelJob(id string) error
	RunHistory(days int) (scheduler.History, error)
	RecentEvents(since time.Time) []scheduler.Event
}

// QuotaReporter surfaces daily API budget usage.
type QuotaReporter interface {
	Stats() []quota.UsageStats
}

// LimiterReporter surfaces per-source rate limiter windows.
type LimiterReporter interface {
	Status() map[models.Source]ratelimit.SourceStatus
}

// BreakerReporter surfaces per-source circuit breaker states.
type BreakerReporter interface {
	BreakerStates() map[models.Source]string
}

// Config holds the listener settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the admin HTTP server.
type Server struct {
	router   *mux.Router
	server   *http.Server
	pipe     PipelineController
	sched    JobManager
	quotas   QuotaReporter
	limiter  LimiterReporter
	breakers BreakerReporter
	metrics  *metrics.Registry
	baseCfg  pipeline.RunConfig
}

// New wires the routes. sched, quotas, limiter, and breakers may be nil; the
// corresponding sections degrade gracefully.
func New(cfg Config, pipe PipelineController, sched JobManager, quotas QuotaReporter, limiter LimiterReporter, breakers BreakerReporter, reg *metrics.Registry, baseCfg pipeline.RunConfig) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		pipe:     pipe,
		sched:    sched,
		quotas:   quotas,
		limiter:  limiter,
		breakers: breakers,
		metrics:  reg,
		baseCfg:  baseCfg,
	}
	s.routes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(requestIDMiddleware, loggingMiddleware, recoverMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/pipeline/run", s.handlePipelineRun).Methods(http.MethodPost)
	api.HandleFunc("/pipeline/cancel", s.handlePipelineCancel).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/refresh", s.handleRefreshJobs).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/enable", s.handleJobAction(func(j JobManager, id string) error { return j.EnableJob(id) })).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/disable", s.handleJobAction(func(j JobManager, id string) error { return j.DisableJob(id) })).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/cancel", s.handleJobAction(func(j JobManager, id string) error { return j.CancelJob(id) })).Methods(http.MethodPost)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/ws", s.handleEventsWS).Methods(http.MethodGet)
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("admin API listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type contextKey string

const requestIDKey contextKey = "request_id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		id, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the websocket upgrade working through the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
