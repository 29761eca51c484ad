package collect

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finpulse/finpulse/internal/models"
)

const finnhubDefaultBaseURL = "https://finnhub.io/api/v1"

// Finnhub collects company news. Key-gated; the collector is not constructed
// at all when the key is missing.
type Finnhub struct {
	client    *Client
	relevance *Relevance
	baseURL   string
	apiKey    string
}

func NewFinnhub(client *Client, relevance *Relevance, apiKey string) *Finnhub {
	return &Finnhub{client: client, relevance: relevance, baseURL: finnhubDefaultBaseURL, apiKey: apiKey}
}

func (f *Finnhub) Source() models.Source { return models.SourceFinnhub }

type finnhubArticle struct {
	ID       int64  `json:"id"`
	Datetime int64  `json:"datetime"`
	Headline string `json:"headline"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
	SiteName string `json:"source"`
	Category string `json:"category"`
	Related  string `json:"related"`
}

func (f *Finnhub) Collect(ctx context.Context, cfg models.CollectionConfig) models.CollectionResult {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return models.FailedResult(f.Source(), err, time.Since(start))
	}
	if f.apiKey == "" {
		return models.FailedResult(f.Source(), fmt.Errorf("finnhub API key not configured"), time.Since(start))
	}

	result := models.CollectionResult{Source: f.Source(), Success: true}
	anyOK := false
	for _, symbol := range cfg.Symbols {
		result.Requests++
		items, err := f.collectSymbol(ctx, symbol, cfg)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", symbol, err))
			log.Warn().Str("source", "finnhub").Str("symbol", symbol).Err(err).Msg("symbol collection failed")
			continue
		}
		anyOK = true
		result.Items = append(result.Items, capPerSymbol(items, cfg.MaxItemsPerSymbol)...)
	}
	if !anyOK && len(cfg.Symbols) > 0 {
		result.Success = false
		result.Error = "all symbols failed: " + strings.Join(result.Warnings, "; ")
	}
	result.ItemsCollected = len(result.Items)
	result.ExecutionTime = time.Since(start)
	return result
}

func (f *Finnhub) collectSymbol(ctx context.Context, symbol string, cfg models.CollectionConfig) ([]*models.RawItem, error) {
	u := fmt.Sprintf("%s/company-news?symbol=%s&from=%s&to=%s&token=%s",
		f.baseURL, url.QueryEscape(symbol),
		cfg.Range.Start.UTC().Format("2006-01-02"),
		cfg.Range.End.UTC().Format("2006-01-02"),
		url.QueryEscape(f.apiKey))

	var articles []finnhubArticle
	if err := f.client.GetJSON(ctx, f.Source(), u, nil, 0, &articles); err != nil {
		return nil, err
	}

	company := CompanyName(symbol)
	var items []*models.RawItem
	for _, art := range articles {
		if art.Headline == "" {
			continue
		}
		text := art.Headline
		if art.Summary != "" {
			text = art.Headline + "\n" + art.Summary
		}
		if !f.relevance.IsRelevant(text, symbol, company) {
			continue
		}
		item := &models.RawItem{
			Source:      models.SourceFinnhub,
			Kind:        models.KindArticle,
			Title:       art.Headline,
			Description: art.Summary,
			Text:        text,
			OccurredAt:  time.Unix(art.Datetime, 0).UTC(),
			Symbol:      symbol,
			URL:         art.URL,
			ExternalID:  fmt.Sprintf("%d", art.ID),
			Metadata: map[string]interface{}{
				"site":     art.SiteName,
				"category": art.Category,
				"related":  art.Related,
			},
		}
		if inRange(item, cfg) {
			items = append(items, item)
		}
	}
	return items, nil
}
