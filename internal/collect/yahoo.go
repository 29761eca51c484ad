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
	yahooDefaultBaseURL = "https://query1.finance.yahoo.com/v1/finance/search"
	yahooCacheTTL       = 10 * time.Minute
)

// Yahoo collects news items from the Yahoo Finance search endpoint, one
// ticker call per symbol. Keyless. The response shape varies between a flat
// news list and a nested "content" wrapper; both are tolerated.
type Yahoo struct {
	client    *Client
	relevance *Relevance
	baseURL   string
}

func NewYahoo(client *Client, relevance *Relevance) *Yahoo {
	return &Yahoo{client: client, relevance: relevance, baseURL: yahooDefaultBaseURL}
}

func (y *Yahoo) Source() models.Source { return models.SourceYahoo }

type yahooResponse struct {
	News []yahooNewsItem `json:"news"`
}

// yahooNewsItem tolerates both the flat and the nested "content" shape.
type yahooNewsItem struct {
	UUID             string            `json:"uuid"`
	Title            string            `json:"title"`
	Publisher        string            `json:"publisher"`
	Link             string            `json:"link"`
	ProviderPublTime int64             `json:"providerPublishTime"`
	Summary          string            `json:"summary"`
	Content          *yahooNewsContent `json:"content"`
}

type yahooNewsContent struct {
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	PubDate     string `json:"pubDate"`
	Provider    struct{ DisplayName string `json:"displayName"` } `json:"provider"`
	CanonicalURL struct{ URL string `json:"url"` }                `json:"canonicalUrl"`
}

func (y *Yahoo) Collect(ctx context.Context, cfg models.CollectionConfig) models.CollectionResult {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return models.FailedResult(y.Source(), err, time.Since(start))
	}

	result := models.CollectionResult{Source: y.Source(), Success: true}
	anyOK := false
	for _, symbol := range cfg.Symbols {
		result.Requests++
		items, err := y.collectSymbol(ctx, symbol, cfg)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", symbol, err))
			log.Warn().Str("source", "yahoo_finance").Str("symbol", symbol).Err(err).Msg("symbol collection failed")
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

func (y *Yahoo) collectSymbol(ctx context.Context, symbol string, cfg models.CollectionConfig) ([]*models.RawItem, error) {
	u := fmt.Sprintf("%s?q=%s&newsCount=25&quotesCount=0", y.baseURL, url.QueryEscape(symbol))

	var resp yahooResponse
	if err := y.client.GetJSON(ctx, y.Source(), u, nil, yahooCacheTTL, &resp); err != nil {
		return nil, err
	}

	company := CompanyName(symbol)
	var items []*models.RawItem
	for _, n := range resp.News {
		item := y.normalize(n, symbol, company)
		if item != nil && inRange(item, cfg) {
			items = append(items, item)
		}
	}
	return items, nil
}

func (y *Yahoo) normalize(n yahooNewsItem, symbol, company string) *models.RawItem {
	title, summary, link, publisher := n.Title, n.Summary, n.Link, n.Publisher
	occurred := time.Unix(n.ProviderPublTime, 0).UTC()

	if n.Content != nil { // nested shape
		if title == "" {
			title = n.Content.Title
		}
		if summary == "" {
			summary = n.Content.Summary
		}
		if link == "" {
			link = n.Content.CanonicalURL.URL
		}
		if publisher == "" {
			publisher = n.Content.Provider.DisplayName
		}
		if n.ProviderPublTime == 0 && n.Content.PubDate != "" {
			if t, err := time.Parse(time.RFC3339, n.Content.PubDate); err == nil {
				occurred = t.UTC()
			}
		}
	}

	text := title
	if summary != "" {
		text = title + "\n" + summary
	}
	if text == "" || !y.relevance.IsRelevant(text, symbol, company) {
		return nil
	}
	return &models.RawItem{
		Source:      models.SourceYahoo,
		Kind:        models.KindArticle,
		Title:       title,
		Description: summary,
		Text:        text,
		OccurredAt:  occurred,
		Symbol:      symbol,
		URL:         link,
		ExternalID:  n.UUID,
		Metadata:    map[string]interface{}{"publisher": publisher},
	}
}
