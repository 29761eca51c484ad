// Package collect implements the polymorphic collector contract: every
// source fetches, normalizes, and filters its items into RawItems behind the
// same interface, so the pipeline can iterate an ordered list of collectors
// without caring what is behind each one.
package collect

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finpulse/finpulse/internal/models"
	"github.com/finpulse/finpulse/internal/secrets"
)

// Collector is the contract every source adheres to. Collect never panics
// and never returns a Go error: total failure is reported through
// CollectionResult.Success=false.
type Collector interface {
	Source() models.Source
	Collect(ctx context.Context, cfg models.CollectionConfig) models.CollectionResult
}

// occurredAtSlack is the per-source tolerance applied when filtering items
// against the requested DateRange. Sources stamp items with their own clocks
// and some round to coarse precision.
var occurredAtSlack = map[models.Source]time.Duration{
	models.SourceHackerNews: 15 * time.Minute,
	models.SourceGDELT:      time.Hour,
	models.SourceYahoo:      time.Hour,
	models.SourceFinnhub:    30 * time.Minute,
	models.SourceNewsAPI:    30 * time.Minute,
	models.SourceMarketAux:  30 * time.Minute,
}

func slackFor(source models.Source) time.Duration {
	if s, ok := occurredAtSlack[source]; ok {
		return s
	}
	return 30 * time.Minute
}

// inRange filters out items outside the config range (with source slack) or
// with empty text.
func inRange(item *models.RawItem, cfg models.CollectionConfig) bool {
	if item.Text == "" {
		return false
	}
	return cfg.Range.Contains(item.OccurredAt, slackFor(item.Source))
}

// capPerSymbol truncates items to the per-symbol cap, preserving order.
func capPerSymbol(items []*models.RawItem, max int) []*models.RawItem {
	if max <= 0 || len(items) <= max {
		return items
	}
	return items[:max]
}

// BuildCollectors constructs the enabled collector set in collection order.
// Key-gated collectors whose credential is absent are omitted and logged
// once; the pipeline simply runs with a smaller source set.
func BuildCollectors(client *Client, keys map[string]string) []Collector {
	relevance := NewRelevance()
	collectors := []Collector{
		NewHackerNews(client, relevance),
		NewGDELT(client, relevance),
		NewYahoo(client, relevance),
	}

	if key := keys[secrets.KeyFinnhub]; key != "" {
		collectors = append(collectors, NewFinnhub(client, relevance, key))
	} else {
		log.Info().Str("source", string(models.SourceFinnhub)).Msg("collector disabled: missing API key")
	}
	if key := keys[secrets.KeyNewsAPI]; key != "" {
		collectors = append(collectors, NewNewsAPI(client, relevance, key))
	} else {
		log.Info().Str("source", string(models.SourceNewsAPI)).Msg("collector disabled: missing API key")
	}
	if key := keys[secrets.KeyMarketAux]; key != "" {
		collectors = append(collectors, NewMarketAux(client, relevance, key))
	} else {
		log.Info().Str("source", string(models.SourceMarketAux)).Msg("collector disabled: missing API key")
	}
	return collectors
}
