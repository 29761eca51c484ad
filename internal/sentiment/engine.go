// Package sentiment implements source-routed classification with hybrid
// ML+LLM verification: a local model scores every text, and ambiguous
// results are escalated to an LLM in batched prompts.
package sentiment

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/finpulse/finpulse/internal/llm"
	"github.com/finpulse/finpulse/internal/models"
)

// TextInput is one unit of text submitted for analysis.
type TextInput struct {
	Text   string
	Source models.Source
	Symbol string
}

// VerificationMode decides which ML results are escalated to the LLM.
type VerificationMode string

const (
	VerifyNone                    VerificationMode = "none"
	VerifyLowConfidence           VerificationMode = "low_confidence"
	VerifyLowConfidenceAndNeutral VerificationMode = "low_confidence_and_neutral"
	VerifyAll                     VerificationMode = "all"
)

// ModelFamily selects which classifier handles a source.
type ModelFamily string

const (
	FamilyFinancial ModelFamily = "financial"
	FamilyCommunity ModelFamily = "community"
)

// Empirical calibration constants. The ensemble window and the two
// confidence adjustments were hand-tuned against labeled evaluation sets;
// treat them as data, not policy.
const (
	ensembleWindowLow  = 0.70
	ensembleWindowHigh = 0.95
	disagreePenalty    = 0.85
	agreeBoost         = 1.03
	confidenceCap      = 0.98
	forceVerifyFloor   = 0.75

	relevanceCutoff    = 0.75
	filteredConfidence = 0.40
)

// Config tunes the engine. Zero values take documented defaults.
type Config struct {
	Mode                VerificationMode `yaml:"verification_mode"`
	ConfidenceThreshold float64          `yaml:"confidence_threshold"`
	EnsembleEnabled     bool             `yaml:"ensemble_enabled"`
	EnsembleWeight      float64          `yaml:"ensemble_weight"`
	VerifyCommunity     bool             `yaml:"verify_community"`
	FallbackToNeutral   bool             `yaml:"fallback_to_neutral"`
	RelevanceFilter     bool             `yaml:"relevance_filter"`
}

func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = VerifyLowConfidence
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.85
	}
	if c.EnsembleWeight <= 0 || c.EnsembleWeight >= 1 {
		c.EnsembleWeight = 0.6
	}
}

// Stats is the engine's health-check surface.
type Stats struct {
	ModelsLoaded       bool                           `json:"models_loaded"`
	Routing            map[models.Source]ModelFamily  `json:"routing"`
	Analyzed           int64                          `json:"analyzed"`
	Filtered           int64                          `json:"filtered"`
	ModelFailures      int64                          `json:"model_failures"`
	LLMCalls           int64                          `json:"llm_calls"`
	VerificationErrors int64                          `json:"verification_errors"`
	Overrides          int64                          `json:"overrides"`
}

// Engine routes texts to a model family and applies hybrid verification.
// Analyze is order-preserving and never shortens its input.
type Engine struct {
	cfg Config
	llm llm.Client

	routeMu sync.RWMutex
	routing map[models.Source]ModelFamily

	loadMu    sync.Mutex
	loaded    atomic.Bool
	financial Classifier
	ensemble  Classifier
	community Classifier

	statMu sync.Mutex
	stats  Stats
}

// New builds an engine. llmClient may be nil, which disables verification
// regardless of mode.
func New(cfg Config, llmClient llm.Client) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg: cfg,
		llm: llmClient,
		routing: map[models.Source]ModelFamily{
			models.SourceHackerNews: FamilyCommunity,
			models.SourceGDELT:      FamilyFinancial,
			models.SourceYahoo:      FamilyFinancial,
			models.SourceFinnhub:    FamilyFinancial,
			models.SourceNewsAPI:    FamilyFinancial,
			models.SourceMarketAux:  FamilyFinancial,
		},
	}
}

// SetRouting overrides the model family for a source at runtime.
func (e *Engine) SetRouting(source models.Source, family ModelFamily) {
	e.routeMu.Lock()
	e.routing[source] = family
	e.routeMu.Unlock()
}

func (e *Engine) familyFor(source models.Source) ModelFamily {
	e.routeMu.RLock()
	defer e.routeMu.RUnlock()
	if f, ok := e.routing[source]; ok {
		return f
	}
	return FamilyFinancial
}

// ensureLoaded lazily constructs the classifiers on first use. The atomic
// Store publishes the classifier writes to fast-path readers; Stats reads the
// same flag without taking loadMu.
func (e *Engine) ensureLoaded() {
	if e.loaded.Load() {
		return
	}
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.loaded.Load() {
		return
	}
	e.financial = newFinancialModel()
	if e.cfg.EnsembleEnabled {
		e.ensemble = newFinancialEnsembleModel()
	}
	e.community = newCommunityModel()
	e.loaded.Store(true)
	log.Info().Bool("ensemble", e.ensemble != nil).Msg("sentiment models loaded")
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.statMu.Lock()
	defer e.statMu.Unlock()
	s := e.stats
	s.ModelsLoaded = e.loaded.Load()
	s.Routing = make(map[models.Source]ModelFamily)
	e.routeMu.RLock()
	for src, fam := range e.routing {
		s.Routing[src] = fam
	}
	e.routeMu.RUnlock()
	return s
}

func (e *Engine) count(f func(*Stats)) {
	e.statMu.Lock()
	f(&e.stats)
	e.statMu.Unlock()
}

// mlResult carries the intermediate ML state for an input that may still be
// escalated to the LLM.
type mlResult struct {
	label       models.SentimentLabel
	confidence  float64
	dist        Probs
	model       string
	method      string
	forceVerify bool
	ok          bool
}

// Analyze classifies inputs in order. The result slice always has the same
// length as inputs; per-text failures produce a zero-confidence neutral.
func (e *Engine) Analyze(ctx context.Context, inputs []TextInput) []models.SentimentScore {
	e.ensureLoaded()

	out := make([]models.SentimentScore, len(inputs))
	ml := make([]mlResult, len(inputs))
	var verifyIdx []int

	for i, in := range inputs {
		res := e.classifyOne(in)
		ml[i] = res
		out[i] = scoreFrom(res)
		if res.ok && e.needsVerification(in.Source, res) {
			verifyIdx = append(verifyIdx, i)
		}
	}
	e.count(func(s *Stats) { s.Analyzed += int64(len(inputs)) })

	if len(verifyIdx) > 0 {
		e.verifyBatch(ctx, inputs, ml, verifyIdx, out)
	}
	return out
}

func (e *Engine) classifyOne(in TextInput) mlResult {
	if e.cfg.RelevanceFilter {
		if rel := validateRelevance(in.Text, in.Symbol); !rel.Relevant && rel.Confidence >= relevanceCutoff {
			e.count(func(s *Stats) { s.Filtered++ })
			return mlResult{
				label:      models.LabelNeutral,
				confidence: filteredConfidence,
				model:      "relevance-filter",
				method:     "filtered",
			}
		}
	}

	family := e.familyFor(in.Source)
	primary := e.financial
	if family == FamilyCommunity {
		primary = e.community
	}
	if primary == nil {
		e.count(func(s *Stats) { s.ModelFailures++ })
		if e.cfg.FallbackToNeutral {
			return mlResult{label: models.LabelNeutral, model: string(family), method: "model_unavailable"}
		}
		return mlResult{label: models.LabelNeutral, model: string(family), method: "model_error"}
	}

	dist, err := primary.Classify(in.Text)
	if err != nil {
		e.count(func(s *Stats) { s.ModelFailures++ })
		return mlResult{label: models.LabelNeutral, model: primary.Name(), method: "error_fallback"}
	}

	label, conf := dist.Label()
	res := mlResult{label: label, confidence: conf, dist: dist, model: primary.Name(), method: "ml", ok: true}

	// The ensemble only runs inside the ambiguity window; confident or
	// hopeless primary results skip it.
	if family == FamilyFinancial && e.ensemble != nil &&
		conf >= ensembleWindowLow && conf < ensembleWindowHigh {
		if dist2, err2 := e.ensemble.Classify(in.Text); err2 == nil {
			label2, conf2 := dist2.Label()
			res.dist = dist.Blend(dist2, e.cfg.EnsembleWeight)
			res.method = "ml_ensemble"
			if label2 != label {
				res.confidence = conf * disagreePenalty
				if conf > forceVerifyFloor && conf2 > forceVerifyFloor {
					res.forceVerify = true
				}
			} else {
				res.confidence = math.Min(conf*agreeBoost, confidenceCap)
			}
		}
	}
	return res
}

func (e *Engine) needsVerification(source models.Source, res mlResult) bool {
	if e.cfg.Mode == VerifyNone || e.llm == nil {
		return false
	}
	if e.familyFor(source) == FamilyCommunity && !e.cfg.VerifyCommunity {
		return false
	}
	if res.forceVerify {
		return true
	}
	switch e.cfg.Mode {
	case VerifyLowConfidence:
		return res.confidence < e.cfg.ConfidenceThreshold
	case VerifyLowConfidenceAndNeutral:
		return res.confidence < e.cfg.ConfidenceThreshold || res.label == models.LabelNeutral
	case VerifyAll:
		return true
	}
	return false
}

// scoreFrom converts an mlResult into the public score shape. Negative labels
// are clamped so the sign stays consistent; positive labels keep the raw
// probability difference (argmax guarantees it is non-negative).
func scoreFrom(res mlResult) models.SentimentScore {
	if !res.ok && res.method != "filtered" {
		return models.NeutralScore(res.model, res.method)
	}
	score := res.dist.Positive - res.dist.Negative
	switch res.label {
	case models.LabelNegative:
		score = math.Min(score, -0.1)
	case models.LabelNeutral:
		score = clamp(score, -0.099, 0.099)
	}
	if res.method == "filtered" {
		score = 0
	}
	return models.SentimentScore{
		Label:      res.label,
		Score:      score,
		Confidence: res.confidence,
		Model:      res.model,
		Method:     res.method,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
