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
	gdeltDefaultBaseURL = "https://api.gdeltproject.org/api/v2/doc/doc"
	gdeltTimeLayout     = "20060102150405"
	gdeltCacheTTL       = 15 * time.Minute
)

// trustedFinancialDomains boost a "trusted" metadata flag on GDELT items.
// Informational only; no filtering effect.
var trustedFinancialDomains = map[string]bool{
	"reuters.com":       true,
	"bloomberg.com":     true,
	"wsj.com":           true,
	"ft.com":            true,
	"cnbc.com":          true,
	"marketwatch.com":   true,
	"barrons.com":       true,
	"finance.yahoo.com": true,
	"forbes.com":        true,
	"businessinsider.com": true,
}

// GDELT collects article headlines from the GDELT 2.0 doc API. Keyless.
// GDELT returns titles only; sentiment is computed downstream like any other
// item.
type GDELT struct {
	client    *Client
	relevance *Relevance
	baseURL   string
}

func NewGDELT(client *Client, relevance *Relevance) *GDELT {
	return &GDELT{client: client, relevance: relevance, baseURL: gdeltDefaultBaseURL}
}

func (g *GDELT) Source() models.Source { return models.SourceGDELT }

type gdeltResponse struct {
	Articles []gdeltArticle `json:"articles"`
}

type gdeltArticle struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Domain   string `json:"domain"`
	Language string `json:"language"`
	SeenDate string `json:"seendate"` // YYYYMMDDTHHMMSSZ
}

func (g *GDELT) Collect(ctx context.Context, cfg models.CollectionConfig) models.CollectionResult {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return models.FailedResult(g.Source(), err, time.Since(start))
	}

	result := models.CollectionResult{Source: g.Source(), Success: true}
	anyOK := false
	for _, symbol := range cfg.Symbols {
		result.Requests++
		items, err := g.collectSymbol(ctx, symbol, cfg)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", symbol, err))
			log.Warn().Str("source", "gdelt").Str("symbol", symbol).Err(err).Msg("symbol collection failed")
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

func (g *GDELT) collectSymbol(ctx context.Context, symbol string, cfg models.CollectionConfig) ([]*models.RawItem, error) {
	company := CompanyName(symbol)
	// Company name with financial context terms; bare names pull in too much
	// off-topic coverage.
	query := fmt.Sprintf(`"%s" (stock OR shares OR earnings OR market)`, company)
	u := fmt.Sprintf("%s?query=%s&mode=artlist&format=json&maxrecords=75&startdatetime=%s&enddatetime=%s",
		g.baseURL,
		url.QueryEscape(query),
		cfg.Range.Start.UTC().Format(gdeltTimeLayout),
		cfg.Range.End.UTC().Format(gdeltTimeLayout))

	var resp gdeltResponse
	if err := g.client.GetJSON(ctx, g.Source(), u, nil, gdeltCacheTTL, &resp); err != nil {
		return nil, err
	}

	var items []*models.RawItem
	for _, art := range resp.Articles {
		if art.Title == "" || (art.Language != "" && !strings.EqualFold(art.Language, "english")) {
			continue
		}
		if !g.relevance.IsRelevant(art.Title, symbol, company) {
			continue
		}
		item := &models.RawItem{
			Source:     models.SourceGDELT,
			Kind:       models.KindArticle,
			Title:      art.Title,
			Text:       art.Title, // GDELT returns title only
			OccurredAt: parseGdeltDate(art.SeenDate, cfg.Range.End),
			Symbol:     symbol,
			URL:        art.URL,
			Metadata: map[string]interface{}{
				"domain":  art.Domain,
				"trusted": trustedFinancialDomains[strings.ToLower(art.Domain)],
			},
		}
		if inRange(item, cfg) {
			items = append(items, item)
		}
	}
	return items, nil
}

func parseGdeltDate(s string, fallback time.Time) time.Time {
	for _, layout := range []string{"20060102T150405Z", gdeltTimeLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback.UTC()
}
