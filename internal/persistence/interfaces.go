// Package persistence defines the durable-storage contracts. The pipeline
// depends on these interfaces; the postgres subpackage implements them.
package persistence

import (
	"context"
	"time"

	"github.com/finpulse/finpulse/internal/models"
)

// StoreOutcome classifies the result of an idempotent write.
type StoreOutcome string

const (
	OutcomeStored    StoreOutcome = "stored"
	OutcomeDuplicate StoreOutcome = "duplicate"
	OutcomeInvalid   StoreOutcome = "invalid"
)

// SymbolActivity feeds the pipeline's fair-ordering computation: how stale a
// symbol's sentiment is and how many rows it gained in the last 24 hours.
type SymbolActivity struct {
	Symbol          string     `json:"symbol" db:"symbol"`
	LastSentimentAt *time.Time `json:"last_sentiment_at" db:"last_sentiment_at"`
	CountLast24h    int        `json:"count_last_24h" db:"count_last_24h"`
}

// RawItemRepo stores collected items in their source-family table.
type RawItemRepo interface {
	// UpsertRawItem resolves or creates the ticker row, then inserts the
	// item into articles or community_posts by source family. A unique-key
	// hit on URL (articles) or external id (posts) is a no-op reported as
	// OutcomeDuplicate.
	UpsertRawItem(ctx context.Context, item *models.RawItem) (StoreOutcome, error)
}

// SentimentRepo stores classification results.
type SentimentRepo interface {
	// InsertSentiment writes one sentiment row, unique on
	// (ticker_id, source, content_hash), then back-fills score and
	// confidence onto the matching raw-item row. A missing raw row is
	// logged, not an error.
	InsertSentiment(ctx context.Context, symbol string, source models.Source, score models.SentimentScore, contentHash, rawText string) (StoreOutcome, error)
}

// TickerRepo manages the watchlist.
type TickerRepo interface {
	ActiveTickers(ctx context.Context) ([]models.Ticker, error)
	EnsureTicker(ctx context.Context, symbol string) (int64, error)
	SetTickerActive(ctx context.Context, symbol string, active bool) error
	SymbolActivity(ctx context.Context, symbols []string) ([]SymbolActivity, error)
}

// Repository aggregates the storage contracts plus lifecycle.
type Repository interface {
	RawItemRepo
	SentimentRepo
	TickerRepo
	Ping(ctx context.Context) error
	Close() error
}
