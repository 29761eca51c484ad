// Package metrics holds the Prometheus registry for the ingestion service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	reg *prometheus.Registry

	// Collection metrics
	ItemsCollected  *prometheus.CounterVec
	CollectorErrors *prometheus.CounterVec
	CollectorTime   *prometheus.HistogramVec

	// Pipeline metrics
	PhaseDuration  *prometheus.HistogramVec
	RunsTotal      *prometheus.CounterVec
	ActiveRuns     prometheus.Gauge
	ItemsStored    *prometheus.CounterVec
	ItemsDuplicate *prometheus.CounterVec

	// Sentiment metrics
	ItemsAnalyzed      prometheus.Counter
	LLMVerifications   prometheus.Counter
	VerificationErrors prometheus.Counter

	// Quota metrics
	QuotaUsed *prometheus.GaugeVec
}

// NewRegistry builds the metric set on a private registry so multiple
// instances can coexist in tests.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		ItemsCollected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpulse_items_collected_total",
				Help: "Total raw items collected by source",
			},
			[]string{"source"},
		),

		CollectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpulse_collector_errors_total",
				Help: "Total collector failures by source",
			},
			[]string{"source"},
		),

		CollectorTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finpulse_collector_duration_seconds",
				Help:    "Wall time of each collector invocation",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"source"},
		),

		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finpulse_pipeline_phase_seconds",
				Help:    "Duration of each pipeline phase",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"phase", "status"},
		),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpulse_pipeline_runs_total",
				Help: "Total pipeline runs by terminal status",
			},
			[]string{"status"},
		),

		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "finpulse_active_runs",
				Help: "Number of pipeline runs currently executing",
			},
		),

		ItemsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpulse_items_stored_total",
				Help: "Raw items persisted by source",
			},
			[]string{"source"},
		),

		ItemsDuplicate: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpulse_items_duplicate_total",
				Help: "Raw items skipped as duplicates by source",
			},
			[]string{"source"},
		),

		ItemsAnalyzed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "finpulse_items_analyzed_total",
				Help: "Texts classified by the sentiment engine",
			},
		),

		LLMVerifications: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "finpulse_llm_verifications_total",
				Help: "Batched LLM verification calls",
			},
		),

		VerificationErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "finpulse_verification_errors_total",
				Help: "LLM verification calls that failed and fell back to ML",
			},
		),

		QuotaUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finpulse_quota_used",
				Help: "Daily quota consumption by source",
			},
			[]string{"source"},
		),
	}

	r.reg.MustRegister(
		r.ItemsCollected, r.CollectorErrors, r.CollectorTime,
		r.PhaseDuration, r.RunsTotal, r.ActiveRuns,
		r.ItemsStored, r.ItemsDuplicate,
		r.ItemsAnalyzed, r.LLMVerifications, r.VerificationErrors,
		r.QuotaUsed,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// PhaseTimer tracks one pipeline phase.
type PhaseTimer struct {
	reg   *Registry
	phase string
	start time.Time
}

func (r *Registry) StartPhase(phase string) *PhaseTimer {
	return &PhaseTimer{reg: r, phase: phase, start: time.Now()}
}

func (t *PhaseTimer) Stop(status string) {
	t.reg.PhaseDuration.WithLabelValues(t.phase, status).Observe(time.Since(t.start).Seconds())
}

// Snapshot gathers current counter values keyed by metric name for the
// status endpoint.
func (r *Registry) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, err := r.reg.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		var total float64
		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				total += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				total += m.GetGauge().GetValue()
			default:
				continue
			}
		}
		if mf.GetType() == dto.MetricType_COUNTER || mf.GetType() == dto.MetricType_GAUGE {
			out[mf.GetName()] = total
		}
	}
	return out
}
