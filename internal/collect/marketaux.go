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

const (
	marketauxDefaultBaseURL = "https://api.marketaux.com/v1"
	marketauxBatchSize      = 10 // symbols per request, API maximum
)

// MarketAux collects articles via the batch news endpoint. Key-gated and
// quota-limited. One request covers up to ten symbols; returned articles are
// distributed fairly across the symbols they mention.
type MarketAux struct {
	client    *Client
	relevance *Relevance
	baseURL   string
	apiKey    string
}

func NewMarketAux(client *Client, relevance *Relevance, apiKey string) *MarketAux {
	return &MarketAux{client: client, relevance: relevance, baseURL: marketauxDefaultBaseURL, apiKey: apiKey}
}

func (m *MarketAux) Source() models.Source { return models.SourceMarketAux }

type marketauxResponse struct {
	Data []marketauxArticle `json:"data"`
}

type marketauxArticle struct {
	UUID        string `json:"uuid"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PublishedAt string `json:"published_at"`
	SiteSource  string `json:"source"`
	Entities    []struct {
		Symbol string `json:"symbol"`
	} `json:"entities"`
}

func (m *MarketAux) Collect(ctx context.Context, cfg models.CollectionConfig) models.CollectionResult {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return models.FailedResult(m.Source(), err, time.Since(start))
	}

	result := models.CollectionResult{Source: m.Source(), Success: true}
	perSymbol := make(map[string][]*models.RawItem, len(cfg.Symbols))
	anyOK := false

	for i := 0; i < len(cfg.Symbols); i += marketauxBatchSize {
		end := min(i+marketauxBatchSize, len(cfg.Symbols))
		batch := cfg.Symbols[i:end]

		result.Requests++
		articles, err := m.fetchBatch(ctx, batch, cfg)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("batch %v: %v", batch, err))
			log.Warn().Str("source", "marketaux").Strs("symbols", batch).Err(err).Msg("batch collection failed")
			continue
		}
		anyOK = true
		m.distribute(articles, batch, cfg, perSymbol)
	}

	for _, symbol := range cfg.Symbols {
		result.Items = append(result.Items, capPerSymbol(perSymbol[symbol], cfg.MaxItemsPerSymbol)...)
	}
	if !anyOK && len(cfg.Symbols) > 0 {
		result.Success = false
		result.Error = "all batches failed: " + strings.Join(result.Warnings, "; ")
	}
	result.ItemsCollected = len(result.Items)
	result.ExecutionTime = time.Since(start)
	return result
}

func (m *MarketAux) fetchBatch(ctx context.Context, symbols []string, cfg models.CollectionConfig) ([]marketauxArticle, error) {
	u := fmt.Sprintf("%s/news/all?symbols=%s&published_after=%s&published_before=%s&language=en&limit=100&api_token=%s",
		m.baseURL,
		url.QueryEscape(strings.Join(symbols, ",")),
		cfg.Range.Start.UTC().Format("2006-01-02T15:04"),
		cfg.Range.End.UTC().Format("2006-01-02T15:04"),
		url.QueryEscape(m.apiKey))

	var resp marketauxResponse
	if err := m.client.GetJSON(ctx, m.Source(), u, nil, 0, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// distribute assigns each article to the requested symbols its entities
// mention, choosing the symbol with the fewest articles so far. This spreads
// a batch response fairly instead of piling everything onto the first
// requested symbol.
func (m *MarketAux) distribute(articles []marketauxArticle, batch []string, cfg models.CollectionConfig, perSymbol map[string][]*models.RawItem) {
	requested := make(map[string]bool, len(batch))
	for _, s := range batch {
		requested[strings.ToUpper(s)] = true
	}

	for _, art := range articles {
		if art.Title == "" {
			continue
		}
		var mentioned []string
		for _, e := range art.Entities {
			sym := strings.ToUpper(e.Symbol)
			if requested[sym] {
				mentioned = append(mentioned, sym)
			}
		}
		if len(mentioned) == 0 {
			continue
		}

		// Least-loaded mentioned symbol wins the article.
		target := mentioned[0]
		for _, sym := range mentioned[1:] {
			if len(perSymbol[sym]) < len(perSymbol[target]) {
				target = sym
			}
		}

		text := art.Title
		if art.Description != "" {
			text = art.Title + "\n" + art.Description
		}
		if !m.relevance.IsRelevant(text, target, CompanyName(target)) {
			continue
		}
		occurred, err := time.Parse("2006-01-02T15:04:05.000000Z", art.PublishedAt)
		if err != nil {
			if t2, err2 := time.Parse(time.RFC3339, art.PublishedAt); err2 == nil {
				occurred = t2
			} else {
				occurred = cfg.Range.End
			}
		}
		item := &models.RawItem{
			Source:      models.SourceMarketAux,
			Kind:        models.KindArticle,
			Title:       art.Title,
			Description: art.Description,
			Text:        text,
			OccurredAt:  occurred.UTC(),
			Symbol:      target,
			URL:         art.URL,
			ExternalID:  art.UUID,
			Metadata: map[string]interface{}{
				"site":         art.SiteSource,
				"all_mentions": mentioned,
			},
		}
		if inRange(item, cfg) {
			perSymbol[target] = append(perSymbol[target], item)
		}
	}
}
