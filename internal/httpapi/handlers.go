package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/finpulse/finpulse/internal/models"
	"github.com/finpulse/finpulse/internal/pipeline"
)

// handleMetrics refreshes the quota gauge before handing off to promhttp so
// scrapes always see current usage.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.quotas != nil {
		for _, st := range s.quotas.Stats() {
			s.metrics.QuotaUsed.WithLabelValues(string(st.Source)).Set(float64(st.UsedToday))
		}
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.pipe.HealthCheck(r.Context())
	health["time"] = time.Now().UTC().Format(time.RFC3339)
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"running":     s.pipe.Running(),
		"last_result": s.pipe.LastResult(),
		"metrics":     s.metrics.Snapshot(),
	}
	if s.quotas != nil {
		status["quotas"] = s.quotas.Stats()
	}
	if s.limiter != nil {
		status["rate_limits"] = s.limiter.Status()
	}
	if s.breakers != nil {
		status["breakers"] = s.breakers.BreakerStates()
	}
	if s.sched != nil {
		status["jobs"] = s.sched.ListJobs()
	}
	writeJSON(w, http.StatusOK, status)
}

// runRequest overrides parts of the base run configuration for a manual run.
type runRequest struct {
	Symbols       []string        `json:"symbols,omitempty"`
	LookbackHours int             `json:"lookback_hours,omitempty"`
	Sources       []models.Source `json:"sources,omitempty"`
}

func (s *Server) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	if s.pipe.Running() {
		writeError(w, http.StatusConflict, "a pipeline run is already in progress")
		return
	}

	cfg := s.baseCfg
	if r.Body != nil && r.ContentLength != 0 {
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if len(req.Symbols) > 0 {
			cfg.Symbols = req.Symbols
		}
		if req.LookbackHours > 0 {
			cfg.LookbackHours = req.LookbackHours
		}
		for _, src := range req.Sources {
			if !src.Valid() {
				writeError(w, http.StatusBadRequest, "unknown source: "+string(src))
				return
			}
		}
		if len(req.Sources) > 0 {
			cfg.EnabledSources = req.Sources
		}
	}

	go func(cfg pipeline.RunConfig) {
		result := s.pipe.Run(context.Background(), cfg)
		log.Info().Str("status", string(result.Status)).Msg("manual pipeline run finished")
	}(cfg)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handlePipelineCancel(w http.ResponseWriter, r *http.Request) {
	if !s.pipe.Running() {
		writeError(w, http.StatusConflict, "no pipeline run in progress")
		return
	}
	s.pipe.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.sched.ListJobs())
}

func (s *Server) handleRefreshJobs(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	jobs, err := s.sched.RefreshJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobAction(action func(JobManager, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.sched == nil {
			writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
			return
		}
		id := mux.Vars(r)["id"]
		if err := action(s.sched, id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"job": id, "status": "ok"})
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = n
	}
	history, err := s.sched.RunHistory(days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	writeJSON(w, http.StatusOK, s.sched.RecentEvents(since))
}
