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

const newsapiDefaultBaseURL = "https://newsapi.org/v2"

// NewsAPI collects articles from the everything endpoint. Key-gated and
// quota-limited; the scheduler's quota gate decides whether this source
// participates in a run at all.
type NewsAPI struct {
	client    *Client
	relevance *Relevance
	baseURL   string
	apiKey    string
}

func NewNewsAPI(client *Client, relevance *Relevance, apiKey string) *NewsAPI {
	return &NewsAPI{client: client, relevance: relevance, baseURL: newsapiDefaultBaseURL, apiKey: apiKey}
}

func (n *NewsAPI) Source() models.Source { return models.SourceNewsAPI }

type newsapiResponse struct {
	Status   string           `json:"status"`
	Message  string           `json:"message"`
	Articles []newsapiArticle `json:"articles"`
}

type newsapiArticle struct {
	SiteSource  struct{ Name string `json:"name"` } `json:"source"`
	Author      string `json:"author"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
	Content     string `json:"content"`
}

func (n *NewsAPI) Collect(ctx context.Context, cfg models.CollectionConfig) models.CollectionResult {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return models.FailedResult(n.Source(), err, time.Since(start))
	}

	result := models.CollectionResult{Source: n.Source(), Success: true}
	anyOK := false
	for _, symbol := range cfg.Symbols {
		result.Requests++
		items, err := n.collectSymbol(ctx, symbol, cfg)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", symbol, err))
			log.Warn().Str("source", "newsapi").Str("symbol", symbol).Err(err).Msg("symbol collection failed")
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

func (n *NewsAPI) collectSymbol(ctx context.Context, symbol string, cfg models.CollectionConfig) ([]*models.RawItem, error) {
	company := CompanyName(symbol)
	query := fmt.Sprintf(`"%s" OR %s`, company, symbol)
	u := fmt.Sprintf("%s/everything?q=%s&from=%s&to=%s&language=en&sortBy=publishedAt&pageSize=%d",
		n.baseURL, url.QueryEscape(query),
		cfg.Range.Start.UTC().Format(time.RFC3339),
		cfg.Range.End.UTC().Format(time.RFC3339),
		min(cfg.MaxItemsPerSymbol*2, 100))

	var resp newsapiResponse
	err := n.client.GetJSON(ctx, n.Source(), u, map[string]string{"X-Api-Key": n.apiKey}, 0, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("newsapi error: %s", resp.Message)
	}

	var items []*models.RawItem
	for _, art := range resp.Articles {
		if art.Title == "" {
			continue
		}
		text := art.Title
		if art.Description != "" {
			text = art.Title + "\n" + art.Description
		}
		if !n.relevance.IsRelevant(text, symbol, company) {
			continue
		}
		occurred, perr := time.Parse(time.RFC3339, art.PublishedAt)
		if perr != nil {
			occurred = cfg.Range.End
		}
		item := &models.RawItem{
			Source:      models.SourceNewsAPI,
			Kind:        models.KindArticle,
			Title:       art.Title,
			Description: art.Description,
			Text:        text,
			OccurredAt:  occurred.UTC(),
			Symbol:      symbol,
			URL:         art.URL,
			Metadata: map[string]interface{}{
				"site":   art.SiteSource.Name,
				"author": art.Author,
			},
		}
		if inRange(item, cfg) {
			items = append(items, item)
		}
	}
	return items, nil
}
