package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpulse/finpulse/internal/collect"
	"github.com/finpulse/finpulse/internal/metrics"
	"github.com/finpulse/finpulse/internal/models"
	"github.com/finpulse/finpulse/internal/persistence"
	"github.com/finpulse/finpulse/internal/sentiment"
	"github.com/finpulse/finpulse/internal/textproc"
)

// fakeRepo is an in-memory persistence.Repository.
type fakeRepo struct {
	mu         sync.Mutex
	articles   map[string]bool
	posts      map[string]bool
	sentiments map[string]bool
	tickers    []models.Ticker
}

func newFakeRepo(symbols ...string) *fakeRepo {
	r := &fakeRepo{
		articles:   make(map[string]bool),
		posts:      make(map[string]bool),
		sentiments: make(map[string]bool),
	}
	for i, s := range symbols {
		r.tickers = append(r.tickers, models.Ticker{ID: int64(i + 1), Symbol: s, Active: true})
	}
	return r
}

func (r *fakeRepo) UpsertRawItem(_ context.Context, item *models.RawItem) (persistence.StoreOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item.Symbol == "" || item.Text == "" {
		return persistence.OutcomeInvalid, nil
	}
	if item.Source.Family() == models.FamilyArticle {
		if r.articles[item.URL] {
			return persistence.OutcomeDuplicate, nil
		}
		r.articles[item.URL] = true
	} else {
		if r.posts[item.ExternalID] {
			return persistence.OutcomeDuplicate, nil
		}
		r.posts[item.ExternalID] = true
	}
	return persistence.OutcomeStored, nil
}

func (r *fakeRepo) InsertSentiment(_ context.Context, symbol string, source models.Source, _ models.SentimentScore, contentHash, _ string) (persistence.StoreOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := symbol + "|" + string(source) + "|" + contentHash
	if r.sentiments[key] {
		return persistence.OutcomeDuplicate, nil
	}
	r.sentiments[key] = true
	return persistence.OutcomeStored, nil
}

func (r *fakeRepo) ActiveTickers(context.Context) ([]models.Ticker, error) {
	return r.tickers, nil
}

func (r *fakeRepo) EnsureTicker(_ context.Context, _ string) (int64, error) { return 1, nil }

func (r *fakeRepo) SetTickerActive(context.Context, string, bool) error { return nil }

func (r *fakeRepo) SymbolActivity(_ context.Context, symbols []string) ([]persistence.SymbolActivity, error) {
	out := make([]persistence.SymbolActivity, len(symbols))
	for i, s := range symbols {
		out[i] = persistence.SymbolActivity{Symbol: s}
	}
	return out, nil
}

func (r *fakeRepo) Ping(context.Context) error { return nil }
func (r *fakeRepo) Close() error               { return nil }

// fakeCollector returns a canned result.
type fakeCollector struct {
	source models.Source
	result models.CollectionResult
}

func (c *fakeCollector) Source() models.Source { return c.source }
func (c *fakeCollector) Collect(context.Context, models.CollectionConfig) models.CollectionResult {
	res := c.result
	res.Source = c.source
	res.ItemsCollected = len(res.Items)
	return res
}

// hangingCollector blocks until its context is cancelled.
type hangingCollector struct {
	source  models.Source
	release chan struct{}
}

func (c *hangingCollector) Source() models.Source { return c.source }
func (c *hangingCollector) Collect(ctx context.Context, _ models.CollectionConfig) models.CollectionResult {
	select {
	case <-ctx.Done():
	case <-c.release:
	}
	return models.CollectionResult{Source: c.source, Success: true}
}

func hnItem(id int) *models.RawItem {
	return &models.RawItem{
		Source:     models.SourceHackerNews,
		Kind:       models.KindStory,
		Title:      fmt.Sprintf("AAPL stock discussion number %d", id),
		Text:       fmt.Sprintf("AAPL stock surges on strong earnings, thread %d has more details", id),
		OccurredAt: time.Now().UTC(),
		Symbol:     "AAPL",
		ExternalID: fmt.Sprintf("hn-%d", id),
	}
}

func newsItem(url string) *models.RawItem {
	return &models.RawItem{
		Source:     models.SourceNewsAPI,
		Kind:       models.KindArticle,
		Title:      "Apple shares climb after earnings beat expectations",
		Text:       "Apple shares climb after earnings beat expectations in the latest quarter",
		OccurredAt: time.Now().UTC(),
		Symbol:     "AAPL",
		URL:        url,
	}
}

func newTestPipeline(repo persistence.Repository, collectors ...collect.Collector) *Pipeline {
	engine := sentiment.New(sentiment.Config{Mode: sentiment.VerifyNone}, nil)
	return New(collectors, repo, engine, textproc.DefaultConfig(), metrics.NewRegistry())
}

func TestRun_HappyPathSingleSourceSingleSymbol(t *testing.T) {
	repo := newFakeRepo()
	hn := &fakeCollector{source: models.SourceHackerNews, result: models.CollectionResult{
		Success: true,
		Items:   []*models.RawItem{hnItem(1), hnItem(2), hnItem(3)},
	}}
	p := newTestPipeline(repo, hn)

	res := p.Run(context.Background(), RunConfig{
		Symbols: []string{"AAPL"}, LookbackHours: 24, MaxItemsPerSymbol: 10,
	})

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 3, res.TotalItemsCollected)
	assert.Equal(t, 3, res.TotalItemsStored)
	assert.Equal(t, 3, res.TotalItemsAnalyzed)
	assert.Equal(t, 3, res.SentimentsStored)
	assert.Len(t, repo.posts, 3)
	assert.Len(t, repo.sentiments, 3)
	assert.Equal(t, 1.0, res.SuccessRate)
}

func TestRun_CrossRunDuplicateIsSkipped(t *testing.T) {
	repo := newFakeRepo()
	news := &fakeCollector{source: models.SourceNewsAPI, result: models.CollectionResult{
		Success: true,
		Items:   []*models.RawItem{newsItem("https://ex.com/a")},
	}}
	p := newTestPipeline(repo, news)
	cfg := RunConfig{Symbols: []string{"AAPL"}, LookbackHours: 24, MaxItemsPerSymbol: 10}

	first := p.Run(context.Background(), cfg)
	require.Equal(t, 1, first.TotalItemsStored)
	require.Len(t, repo.sentiments, 1)

	// Same URL comes back; collectors hand over fresh item structs.
	news.result.Items = []*models.RawItem{newsItem("https://ex.com/a")}
	second := p.Run(context.Background(), cfg)

	assert.Equal(t, models.StatusCompleted, second.Status)
	assert.Zero(t, second.TotalItemsStored)
	assert.Equal(t, 1, second.DuplicatesSkipped)
	assert.Len(t, repo.sentiments, 1, "no new sentiment rows for a duplicate")
}

func TestRun_EmptyWatchlistFails(t *testing.T) {
	p := newTestPipeline(newFakeRepo())
	res := p.Run(context.Background(), RunConfig{})
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, "No active stocks in watchlist", res.ErrorMessage)
}

func TestRun_EmptySymbolsResolvesWatchlist(t *testing.T) {
	repo := newFakeRepo("AAPL")
	hn := &fakeCollector{source: models.SourceHackerNews, result: models.CollectionResult{
		Success: true, Items: []*models.RawItem{hnItem(1)},
	}}
	p := newTestPipeline(repo, hn)

	res := p.Run(context.Background(), RunConfig{})
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.TotalItemsStored)
}

func TestRun_CollectorTimeoutDoesNotFailRun(t *testing.T) {
	repo := newFakeRepo()
	slow := &hangingCollector{source: models.SourceFinnhub, release: make(chan struct{})}
	fast := &fakeCollector{source: models.SourceHackerNews, result: models.CollectionResult{
		Success: true, Items: []*models.RawItem{hnItem(1)},
	}}
	p := newTestPipeline(repo, slow, fast)

	res := p.Run(context.Background(), RunConfig{
		Symbols: []string{"AAPL"}, LookbackHours: 24, MaxItemsPerSymbol: 10,
		ParallelCollectors: true, CollectorTimeout: 50 * time.Millisecond,
	})

	assert.Equal(t, models.StatusCompleted, res.Status)
	require.Contains(t, res.CollectorStats, models.SourceFinnhub)
	assert.False(t, res.CollectorStats[models.SourceFinnhub].Success)
	assert.Contains(t, res.CollectorStats[models.SourceFinnhub].Error, "timed out")
	assert.Equal(t, 1, res.TotalItemsStored, "fast collector's data still lands")
	assert.InDelta(t, 0.5, res.SuccessRate, 1e-9)
}

func TestRun_RejectsReentry(t *testing.T) {
	repo := newFakeRepo()
	gate := &hangingCollector{source: models.SourceHackerNews, release: make(chan struct{})}
	p := newTestPipeline(repo, gate)

	done := make(chan *models.PipelineResult, 1)
	go func() {
		done <- p.Run(context.Background(), RunConfig{
			Symbols: []string{"AAPL"}, CollectorTimeout: 5 * time.Second,
		})
	}()

	// Wait for the first run to take the slot.
	require.Eventually(t, p.Running, time.Second, 5*time.Millisecond)

	second := p.Run(context.Background(), RunConfig{Symbols: []string{"AAPL"}})
	assert.Equal(t, models.StatusRunning, second.Status)
	assert.Contains(t, second.ErrorMessage, "already in progress")

	close(gate.release)
	first := <-done
	assert.Equal(t, models.StatusCompleted, first.Status)
}

func TestRun_CancelStopsBetweenPhases(t *testing.T) {
	repo := newFakeRepo()
	hn := &fakeCollector{source: models.SourceHackerNews, result: models.CollectionResult{
		Success: true, Items: []*models.RawItem{hnItem(1)},
	}}
	p := newTestPipeline(repo, hn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Run(ctx, RunConfig{Symbols: []string{"AAPL"}})
	assert.Equal(t, models.StatusCancelled, res.Status)
	assert.Zero(t, res.SentimentsStored)
}

func TestOrderSymbols_StaleAndUnderservedFirst(t *testing.T) {
	now := time.Now().UTC()
	recent := now.Add(-1 * time.Hour)
	old := now.Add(-48 * time.Hour)

	activity := []persistence.SymbolActivity{
		{Symbol: "FRESH", LastSentimentAt: &recent, CountLast24h: 30},
		{Symbol: "STALE", LastSentimentAt: &old, CountLast24h: 0},
		{Symbol: "NEVER"},
	}
	got := orderSymbols([]string{"FRESH", "STALE", "NEVER"}, activity, 20, 0, now)

	require.Len(t, got, 3)
	assert.Equal(t, "NEVER", got[0], "never-analyzed symbols outrank everything")
	assert.Equal(t, "STALE", got[1])
	assert.Equal(t, "FRESH", got[2])
}

func TestOrderSymbols_RotationAdvances(t *testing.T) {
	symbols := []string{"A", "B", "C"}
	base := orderSymbols(symbols, nil, 20, 0, time.Now().UTC())
	shifted := orderSymbols(symbols, nil, 20, 1, time.Now().UTC())

	require.Len(t, base, 3)
	require.Len(t, shifted, 3)
	assert.NotEqual(t, base, shifted)
	assert.ElementsMatch(t, base, shifted)
	assert.Equal(t, base[1], shifted[0], "offset 1 rotates the ranking by one position")
}

func TestRun_MissingSymbolCountedAndSkipped(t *testing.T) {
	repo := newFakeRepo()
	anon := hnItem(9)
	anon.Symbol = ""
	hn := &fakeCollector{source: models.SourceHackerNews, result: models.CollectionResult{
		Success: true, Items: []*models.RawItem{hnItem(1), anon},
	}}
	p := newTestPipeline(repo, hn)

	res := p.Run(context.Background(), RunConfig{Symbols: []string{"AAPL"}})
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.MissingSymbol)
	assert.Equal(t, 1, res.TotalItemsStored)
}

func TestRun_EnabledSourcesFilterCollectors(t *testing.T) {
	repo := newFakeRepo()
	hn := &fakeCollector{source: models.SourceHackerNews, result: models.CollectionResult{
		Success: true, Items: []*models.RawItem{hnItem(1)},
	}}
	news := &fakeCollector{source: models.SourceNewsAPI, result: models.CollectionResult{
		Success: true, Items: []*models.RawItem{newsItem("https://ex.com/b")},
	}}
	p := newTestPipeline(repo, hn, news)

	res := p.Run(context.Background(), RunConfig{
		Symbols:        []string{"AAPL"},
		EnabledSources: []models.Source{models.SourceHackerNews},
	})
	assert.Equal(t, 1, res.TotalItemsCollected)
	assert.NotContains(t, res.CollectorStats, models.SourceNewsAPI)
	if assert.Len(t, repo.posts, 1) {
		assert.Empty(t, repo.articles)
	}
}

func TestRun_SuccessRateCountsOnlyAttempted(t *testing.T) {
	repo := newFakeRepo()
	bad := &fakeCollector{source: models.SourceGDELT, result: models.CollectionResult{
		Success: false, Error: "all symbols failed: upstream 503",
	}}
	good := &fakeCollector{source: models.SourceHackerNews, result: models.CollectionResult{
		Success: true, Items: []*models.RawItem{hnItem(1)},
	}}
	p := newTestPipeline(repo, bad, good)

	res := p.Run(context.Background(), RunConfig{Symbols: []string{"AAPL"}})
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.InDelta(t, 0.5, res.SuccessRate, 1e-9)
	assert.True(t, strings.Contains(res.CollectorStats[models.SourceGDELT].Error, "503"))
}
