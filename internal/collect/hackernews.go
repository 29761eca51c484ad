package collect

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finpulse/finpulse/internal/models"
)

const (
	hnDefaultBaseURL  = "https://hn.algolia.com/api/v1"
	hnDefaultMinScore = 2
	hnCacheTTL        = 10 * time.Minute
)

var htmlStripRE = regexp.MustCompile(`<[^>]+>`)

// HackerNews collects stories (and optionally comments) from the Algolia
// search endpoint. Keyless. Searches both the raw symbol and the company
// name, since HN titles rarely carry tickers.
type HackerNews struct {
	client    *Client
	relevance *Relevance
	baseURL   string
}

func NewHackerNews(client *Client, relevance *Relevance) *HackerNews {
	return &HackerNews{client: client, relevance: relevance, baseURL: hnDefaultBaseURL}
}

func (h *HackerNews) Source() models.Source { return models.SourceHackerNews }

type hnSearchResponse struct {
	Hits []hnHit `json:"hits"`
}

type hnHit struct {
	ObjectID    string `json:"objectID"`
	Title       string `json:"title"`
	StoryTitle  string `json:"story_title"`
	URL         string `json:"url"`
	Author      string `json:"author"`
	Points      int    `json:"points"`
	NumComments int    `json:"num_comments"`
	StoryText   string `json:"story_text"`
	CommentText string `json:"comment_text"`
	CreatedAtI  int64  `json:"created_at_i"`
}

func (h *HackerNews) Collect(ctx context.Context, cfg models.CollectionConfig) models.CollectionResult {
	start := time.Now()
	if err := cfg.Validate(); err != nil {
		return models.FailedResult(h.Source(), err, time.Since(start))
	}

	minScore := cfg.MinScore
	if minScore <= 0 {
		minScore = hnDefaultMinScore
	}

	result := models.CollectionResult{Source: h.Source(), Success: true}
	anySymbolOK := false
	for _, symbol := range cfg.Symbols {
		items, requests, err := h.collectSymbol(ctx, symbol, cfg, minScore)
		result.Requests += requests
		if err != nil {
			warn := fmt.Sprintf("%s: %v", symbol, err)
			result.Warnings = append(result.Warnings, warn)
			log.Warn().Str("source", "hackernews").Str("symbol", symbol).Err(err).Msg("symbol collection failed")
			continue
		}
		anySymbolOK = true
		result.Items = append(result.Items, capPerSymbol(items, cfg.MaxItemsPerSymbol)...)
	}

	if !anySymbolOK && len(cfg.Symbols) > 0 {
		result.Success = false
		result.Error = "all symbols failed: " + strings.Join(result.Warnings, "; ")
	}
	result.ItemsCollected = len(result.Items)
	result.ExecutionTime = time.Since(start)
	return result
}

func (h *HackerNews) collectSymbol(ctx context.Context, symbol string, cfg models.CollectionConfig, minScore int) ([]*models.RawItem, int, error) {
	company := CompanyName(symbol)
	queries := []string{symbol}
	if !strings.EqualFold(company, symbol) {
		queries = append(queries, company)
	}

	seen := make(map[string]struct{})
	requests := 0
	var items []*models.RawItem
	for _, q := range queries {
		requests++
		hits, err := h.search(ctx, q, "story", cfg.Range, minScore)
		if err != nil {
			return nil, requests, err
		}
		for _, hit := range hits {
			if _, dup := seen[hit.ObjectID]; dup {
				continue
			}
			seen[hit.ObjectID] = struct{}{}
			if item := h.normalizeStory(hit, symbol, company); item != nil && inRange(item, cfg) {
				items = append(items, item)
			}
		}
	}

	if cfg.IncludeComments {
		requests++
		hits, err := h.search(ctx, company, "comment", cfg.Range, 0)
		if err != nil {
			// Comments are best-effort; stories already collected stand.
			log.Warn().Str("symbol", symbol).Err(err).Msg("hackernews comment search failed")
		} else {
			for _, hit := range hits {
				if _, dup := seen[hit.ObjectID]; dup {
					continue
				}
				seen[hit.ObjectID] = struct{}{}
				if item := h.normalizeComment(hit, symbol, company); item != nil && inRange(item, cfg) {
					items = append(items, item)
				}
			}
		}
	}
	return items, requests, nil
}

func (h *HackerNews) search(ctx context.Context, query, tag string, dr models.DateRange, minScore int) ([]hnHit, error) {
	filters := fmt.Sprintf("created_at_i>%d,created_at_i<%d", dr.Start.Unix(), dr.End.Unix())
	if minScore > 0 {
		filters += fmt.Sprintf(",points>=%d", minScore)
	}
	u := fmt.Sprintf("%s/search_by_date?query=%s&tags=%s&numericFilters=%s&hitsPerPage=50",
		h.baseURL, url.QueryEscape(query), tag, url.QueryEscape(filters))

	var resp hnSearchResponse
	if err := h.client.GetJSON(ctx, h.Source(), u, nil, hnCacheTTL, &resp); err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

func (h *HackerNews) normalizeStory(hit hnHit, symbol, company string) *models.RawItem {
	text := hit.Title
	if body := stripHTML(hit.StoryText); body != "" {
		text = text + "\n" + body
	}
	if text == "" || !h.relevance.IsRelevant(text, symbol, company) {
		return nil
	}
	return &models.RawItem{
		Source:     models.SourceHackerNews,
		Kind:       models.KindStory,
		Title:      hit.Title,
		Text:       text,
		OccurredAt: time.Unix(hit.CreatedAtI, 0).UTC(),
		Symbol:     symbol,
		URL:        hit.URL,
		ExternalID: hit.ObjectID,
		Metadata: map[string]interface{}{
			"author":       hit.Author,
			"points":       hit.Points,
			"num_comments": hit.NumComments,
		},
	}
}

func (h *HackerNews) normalizeComment(hit hnHit, symbol, company string) *models.RawItem {
	text := stripHTML(hit.CommentText)
	if text == "" || !h.relevance.IsRelevant(text, symbol, company) {
		return nil
	}
	return &models.RawItem{
		Source:     models.SourceHackerNews,
		Kind:       models.KindComment,
		Title:      hit.StoryTitle,
		Text:       text,
		OccurredAt: time.Unix(hit.CreatedAtI, 0).UTC(),
		Symbol:     symbol,
		ExternalID: hit.ObjectID,
		Metadata: map[string]interface{}{
			"author": hit.Author,
			"points": hit.Points,
		},
	}
}

func stripHTML(s string) string {
	return strings.TrimSpace(htmlStripRE.ReplaceAllString(s, " "))
}
