// Package pipeline orchestrates one ingestion run: collect, store, clean,
// classify, persist.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/finpulse/finpulse/internal/collect"
	"github.com/finpulse/finpulse/internal/dedup"
	"github.com/finpulse/finpulse/internal/metrics"
	"github.com/finpulse/finpulse/internal/models"
	"github.com/finpulse/finpulse/internal/persistence"
	"github.com/finpulse/finpulse/internal/sentiment"
	"github.com/finpulse/finpulse/internal/textproc"
)

// RunConfig parameterizes one pipeline run.
type RunConfig struct {
	Symbols            []string        `json:"symbols"`
	LookbackHours      int             `json:"lookback_hours"`
	MaxItemsPerSymbol  int             `json:"max_items_per_symbol"`
	EnabledSources     []models.Source `json:"enabled_sources,omitempty"`
	ParallelCollectors bool            `json:"parallel_collectors"`
	CollectorTimeout   time.Duration   `json:"collector_timeout"`
	BatchSize          int             `json:"batch_size"`
	IncludeComments    bool            `json:"include_comments"`
	CoverageTarget     int             `json:"coverage_target"`
}

func (c *RunConfig) setDefaults() {
	if c.LookbackHours <= 0 {
		c.LookbackHours = 24
	}
	if c.MaxItemsPerSymbol <= 0 {
		c.MaxItemsPerSymbol = 20
	}
	if c.CollectorTimeout <= 0 {
		c.CollectorTimeout = 300 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
}

// Pipeline owns the run lifecycle. At most one run executes at a time; a
// re-entrant Run call is rejected immediately.
type Pipeline struct {
	collectors []collect.Collector
	repo       persistence.Repository
	engine     *sentiment.Engine
	textCfg    textproc.Config
	metrics    *metrics.Registry

	seen     *dedup.Set
	running  atomic.Bool
	cancel   atomic.Bool
	rotation atomic.Int64

	mu   sync.Mutex
	last *models.PipelineResult
}

func New(collectors []collect.Collector, repo persistence.Repository, engine *sentiment.Engine, textCfg textproc.Config, reg *metrics.Registry) *Pipeline {
	return &Pipeline{
		collectors: collectors,
		repo:       repo,
		engine:     engine,
		textCfg:    textCfg,
		metrics:    reg,
		seen:       dedup.NewSet(),
	}
}

// Cancel requests cooperative cancellation of the current run. The in-flight
// phase finishes; no new phase starts.
func (p *Pipeline) Cancel() { p.cancel.Store(true) }

// LastResult returns the most recent run record, or nil before the first
// run.
func (p *Pipeline) LastResult() *models.PipelineResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Running reports whether a run is currently executing.
func (p *Pipeline) Running() bool { return p.running.Load() }

// HealthCheck reports pipeline, collector, and engine health for the admin
// surface.
func (p *Pipeline) HealthCheck(ctx context.Context) map[string]interface{} {
	sources := make([]string, 0, len(p.collectors))
	for _, c := range p.collectors {
		sources = append(sources, string(c.Source()))
	}
	health := map[string]interface{}{
		"pipeline": map[string]interface{}{
			"running":  p.running.Load(),
			"db_ok":    p.repo.Ping(ctx) == nil,
			"dedup":    p.seen.Len(),
		},
		"collectors":       sources,
		"sentiment_engine": p.engine.Stats(),
	}
	return health
}

// analysisItem links a stored raw item to its cleaned text through the
// classify and persist phases.
type analysisItem struct {
	raw     *models.RawItem
	cleaned string
}

// Run executes one full ingestion pass. It always returns a terminal result;
// errors inside phases are accounted, not propagated.
func (p *Pipeline) Run(ctx context.Context, cfg RunConfig) *models.PipelineResult {
	if !p.running.CompareAndSwap(false, true) {
		return &models.PipelineResult{
			ID:           uuid.NewString(),
			Status:       models.StatusRunning,
			StartedAt:    time.Now().UTC(),
			ErrorMessage: "a pipeline run is already in progress",
		}
	}
	defer p.running.Store(false)
	p.cancel.Store(false)
	cfg.setDefaults()

	result := &models.PipelineResult{
		ID:             uuid.NewString(),
		Status:         models.StatusRunning,
		StartedAt:      time.Now().UTC(),
		CollectorStats: make(map[models.Source]*models.CollectorStats),
	}
	p.setLast(result)
	p.metrics.ActiveRuns.Inc()
	defer p.metrics.ActiveRuns.Dec()

	logger := log.With().Str("run_id", result.ID).Logger()
	logger.Info().Strs("symbols", cfg.Symbols).Int("lookback_hours", cfg.LookbackHours).Msg("pipeline run started")

	p.execute(ctx, cfg, result, logger)

	result.EndedAt = time.Now().UTC()
	p.seen.Clear()
	p.metrics.RunsTotal.WithLabelValues(string(result.Status)).Inc()
	logger.Info().
		Str("status", string(result.Status)).
		Int("collected", result.TotalItemsCollected).
		Int("stored", result.TotalItemsStored).
		Int("analyzed", result.TotalItemsAnalyzed).
		Int("sentiments", result.SentimentsStored).
		Int("duplicates", result.DuplicatesSkipped).
		Float64("success_rate", result.SuccessRate).
		Dur("duration", result.Duration()).
		Msg("pipeline run finished")
	return result
}

func (p *Pipeline) execute(ctx context.Context, cfg RunConfig, result *models.PipelineResult, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			result.Status = models.StatusFailed
			result.ErrorMessage = fmt.Sprintf("unexpected pipeline failure: %v", r)
			logger.Error().Interface("panic", r).Msg("pipeline run panicked")
		}
	}()

	// Phase 1: watchlist.
	symbols := cfg.Symbols
	if len(symbols) == 0 {
		tickers, err := p.repo.ActiveTickers(ctx)
		if err != nil {
			result.Status = models.StatusFailed
			result.ErrorMessage = fmt.Sprintf("watchlist query failed: %v", err)
			return
		}
		for _, t := range tickers {
			symbols = append(symbols, t.Symbol)
		}
	}
	if len(symbols) == 0 {
		result.Status = models.StatusFailed
		result.ErrorMessage = "No active stocks in watchlist"
		return
	}

	// Phase 2: fair ordering.
	offset := int(p.rotation.Add(1) - 1)
	activity, err := p.repo.SymbolActivity(ctx, symbols)
	if err != nil {
		logger.Warn().Err(err).Msg("symbol activity query failed, using configured order")
	} else {
		symbols = orderSymbols(symbols, activity, cfg.CoverageTarget, offset, time.Now().UTC())
	}

	// Phase 3: collect.
	results := p.collectAll(ctx, cfg, symbols, result)
	if p.checkCancel(ctx, result) {
		return
	}

	// Phase 4: store raw.
	var survivors []*models.RawItem
	timer := p.metrics.StartPhase("store_raw")
	for _, cr := range results {
		for _, item := range cr.Items {
			if item.Symbol == "" {
				result.MissingSymbol++
				continue
			}
			item.ContentHash = textproc.ContentHash(item.Title, item.Description, item.Text)
			if isDup, _ := p.seen.Check(item.ContentHash); isDup {
				result.DuplicatesSkipped++
				continue
			}
			outcome, err := p.repo.UpsertRawItem(ctx, item)
			if err != nil {
				logger.Warn().Str("source", string(item.Source)).Err(err).Msg("raw item store failed")
				continue
			}
			switch outcome {
			case persistence.OutcomeStored:
				result.TotalItemsStored++
				p.metrics.ItemsStored.WithLabelValues(string(item.Source)).Inc()
				survivors = append(survivors, item)
			case persistence.OutcomeDuplicate:
				result.DuplicatesSkipped++
				p.metrics.ItemsDuplicate.WithLabelValues(string(item.Source)).Inc()
			case persistence.OutcomeInvalid:
				result.MissingSymbol++
			}
		}
	}
	timer.Stop("ok")
	if p.checkCancel(ctx, result) {
		return
	}

	// Phase 5: preprocess. Failed or too-short texts drop out here.
	timer = p.metrics.StartPhase("preprocess")
	var items []analysisItem
	for _, item := range survivors {
		processed := textproc.Preprocess(item.Text, p.textCfg)
		if !processed.Success {
			continue
		}
		items = append(items, analysisItem{raw: item, cleaned: processed.Cleaned})
	}
	timer.Stop("ok")
	if p.checkCancel(ctx, result) {
		return
	}

	// Phases 6+7: classify in batches. The in-run hash set already
	// de-duplicated these during store-raw.
	timer = p.metrics.StartPhase("classify")
	statsBefore := p.engine.Stats()
	scores := make([]models.SentimentScore, len(items))
	for start := 0; start < len(items); start += cfg.BatchSize {
		end := min(start+cfg.BatchSize, len(items))
		inputs := make([]sentiment.TextInput, end-start)
		for i, it := range items[start:end] {
			inputs[i] = sentiment.TextInput{Text: it.cleaned, Source: it.raw.Source, Symbol: it.raw.Symbol}
		}
		batch := p.engine.Analyze(ctx, inputs)
		copy(scores[start:end], batch)
		result.TotalItemsAnalyzed += len(batch)
		p.metrics.ItemsAnalyzed.Add(float64(len(batch)))
	}
	statsAfter := p.engine.Stats()
	p.metrics.LLMVerifications.Add(float64(statsAfter.LLMCalls - statsBefore.LLMCalls))
	p.metrics.VerificationErrors.Add(float64(statsAfter.VerificationErrors - statsBefore.VerificationErrors))
	timer.Stop("ok")
	if p.checkCancel(ctx, result) {
		return
	}

	// Phase 8: persist sentiment.
	timer = p.metrics.StartPhase("persist_sentiment")
	for i, it := range items {
		score := scores[i]
		if score.Confidence == 0 && score.Label == models.LabelNeutral && score.Method != "filtered" {
			// Model failure fallback; nothing worth persisting.
			continue
		}
		outcome, err := p.repo.InsertSentiment(ctx, it.raw.Symbol, it.raw.Source, score, it.raw.ContentHash, it.cleaned)
		if err != nil {
			logger.Warn().Str("symbol", it.raw.Symbol).Err(err).Msg("sentiment store failed")
			continue
		}
		if outcome == persistence.OutcomeStored {
			result.SentimentsStored++
		}
	}
	timer.Stop("ok")

	// Phase 9: finalize.
	attempted, succeeded := 0, 0
	for _, st := range result.CollectorStats {
		if st.Attempted {
			attempted++
			if st.Success {
				succeeded++
			}
		}
	}
	if attempted > 0 {
		result.SuccessRate = float64(succeeded) / float64(attempted)
	}
	result.Status = models.StatusCompleted
}

// collectAll fans collection out across the enabled collectors, each under
// its own deadline.
func (p *Pipeline) collectAll(ctx context.Context, cfg RunConfig, symbols []string, result *models.PipelineResult) []models.CollectionResult {
	enabled := p.enabledCollectors(cfg.EnabledSources)
	dr := models.LastHours(cfg.LookbackHours)
	collectionCfg := models.CollectionConfig{
		Symbols:           symbols,
		Range:             dr,
		MaxItemsPerSymbol: cfg.MaxItemsPerSymbol,
		IncludeComments:   cfg.IncludeComments,
	}

	out := make([]models.CollectionResult, len(enabled))
	runOne := func(i int, c collect.Collector) {
		out[i] = p.collectOne(ctx, c, collectionCfg, cfg.CollectorTimeout)
	}

	if cfg.ParallelCollectors {
		var wg sync.WaitGroup
		for i, c := range enabled {
			wg.Add(1)
			go func(i int, c collect.Collector) {
				defer wg.Done()
				runOne(i, c)
			}(i, c)
		}
		wg.Wait()
	} else {
		for i, c := range enabled {
			runOne(i, c)
		}
	}

	for _, cr := range out {
		st := &models.CollectorStats{
			Attempted:     true,
			Success:       cr.Success,
			Items:         cr.ItemsCollected,
			Requests:      cr.Requests,
			ExecutionTime: cr.ExecutionTime,
			Error:         cr.Error,
		}
		result.CollectorStats[cr.Source] = st
		result.TotalItemsCollected += cr.ItemsCollected
		p.metrics.ItemsCollected.WithLabelValues(string(cr.Source)).Add(float64(cr.ItemsCollected))
		p.metrics.CollectorTime.WithLabelValues(string(cr.Source)).Observe(cr.ExecutionTime.Seconds())
		if !cr.Success {
			p.metrics.CollectorErrors.WithLabelValues(string(cr.Source)).Inc()
		}
	}
	return out
}

func (p *Pipeline) collectOne(ctx context.Context, c collect.Collector, cfg models.CollectionConfig, timeout time.Duration) models.CollectionResult {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan models.CollectionResult, 1)
	start := time.Now()
	go func() { done <- c.Collect(cctx, cfg) }()

	select {
	case res := <-done:
		return res
	case <-cctx.Done():
		return models.FailedResult(c.Source(), fmt.Errorf("collector timed out after %s", timeout), time.Since(start))
	}
}

func (p *Pipeline) enabledCollectors(sources []models.Source) []collect.Collector {
	if len(sources) == 0 {
		return p.collectors
	}
	want := make(map[models.Source]bool, len(sources))
	for _, s := range sources {
		want[s] = true
	}
	var enabled []collect.Collector
	for _, c := range p.collectors {
		if want[c.Source()] {
			enabled = append(enabled, c)
		}
	}
	return enabled
}

// checkCancel is the inter-phase cancellation point.
func (p *Pipeline) checkCancel(ctx context.Context, result *models.PipelineResult) bool {
	if p.cancel.Load() || ctx.Err() != nil {
		result.Status = models.StatusCancelled
		return true
	}
	return false
}

func (p *Pipeline) setLast(r *models.PipelineResult) {
	p.mu.Lock()
	p.last = r
	p.mu.Unlock()
}
