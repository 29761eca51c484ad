// Package postgres implements the persistence contracts on PostgreSQL via
// sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/finpulse/finpulse/internal/models"
	"github.com/finpulse/finpulse/internal/persistence"
)

const uniqueViolation = "23505"

// Repo implements persistence.Repository on a sqlx connection pool.
type Repo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New opens a connection pool against dsn and verifies connectivity.
func New(dsn string, timeout time.Duration) (*Repo, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewFromDB(db, timeout), nil
}

// NewFromDB wraps an existing pool; used by tests with sqlmock.
func NewFromDB(db *sqlx.DB, timeout time.Duration) *Repo {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Repo{db: db, timeout: timeout}
}

// EnsureSchema applies the DDL idempotently.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (r *Repo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }
func (r *Repo) Close() error                   { return r.db.Close() }

func isDuplicate(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == uniqueViolation
}

// ensureTickerTx resolves the ticker id for symbol, creating the row if
// needed, inside the caller's transaction.
func (r *Repo) ensureTickerTx(ctx context.Context, tx *sqlx.Tx, symbol string) (int64, error) {
	var id int64
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO tickers (symbol, name)
		VALUES ($1, $1)
		ON CONFLICT (symbol) DO UPDATE SET symbol = EXCLUDED.symbol
		RETURNING id`, symbol).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure ticker %s: %w", symbol, err)
	}
	return id, nil
}

func validateRawItem(item *models.RawItem) error {
	if item == nil {
		return fmt.Errorf("nil item")
	}
	if item.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	if item.Text == "" {
		return fmt.Errorf("missing text")
	}
	switch item.Source.Family() {
	case models.FamilyArticle:
		if item.URL == "" {
			return fmt.Errorf("article item missing url")
		}
	case models.FamilyCommunity:
		if item.ExternalID == "" {
			return fmt.Errorf("community item missing external id")
		}
	}
	return nil
}

// UpsertRawItem stores item in its source-family table. Duplicates by URL
// (articles) or external id (posts) are no-ops.
func (r *Repo) UpsertRawItem(ctx context.Context, item *models.RawItem) (persistence.StoreOutcome, error) {
	if err := validateRawItem(item); err != nil {
		return persistence.OutcomeInvalid, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tickerID, err := r.ensureTickerTx(ctx, tx, item.Symbol)
	if err != nil {
		return "", err
	}

	var exists bool
	if item.Source.Family() == models.FamilyArticle {
		err = tx.QueryRowxContext(ctx, `SELECT EXISTS (SELECT 1 FROM articles WHERE url = $1)`, item.URL).Scan(&exists)
	} else {
		err = tx.QueryRowxContext(ctx, `SELECT EXISTS (SELECT 1 FROM community_posts WHERE external_id = $1)`, item.ExternalID).Scan(&exists)
	}
	if err != nil {
		return "", fmt.Errorf("failed duplicate lookup: %w", err)
	}
	if exists {
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("failed to commit: %w", err)
		}
		return persistence.OutcomeDuplicate, nil
	}

	if item.Source.Family() == models.FamilyArticle {
		err = r.insertArticleTx(ctx, tx, tickerID, item)
	} else {
		err = r.insertPostTx(ctx, tx, tickerID, item)
	}
	if err != nil {
		if isDuplicate(err) {
			return persistence.OutcomeDuplicate, nil
		}
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return persistence.OutcomeStored, nil
}

func (r *Repo) insertArticleTx(ctx context.Context, tx *sqlx.Tx, tickerID int64, item *models.RawItem) error {
	mentions := mentionsJSON(item)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO articles (ticker_id, title, content, url, source, published_at, author, content_hash, mentions_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tickerID, item.Title, item.Text, item.URL, string(item.Source),
		item.OccurredAt.UTC(), metaString(item, "author"), item.ContentHash, mentions)
	if err != nil && !isDuplicate(err) {
		return fmt.Errorf("failed to insert article: %w", err)
	}
	return err
}

func (r *Repo) insertPostTx(ctx context.Context, tx *sqlx.Tx, tickerID int64, item *models.RawItem) error {
	mentions := mentionsJSON(item)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO community_posts (ticker_id, external_id, title, content, content_type, author, points, num_comments, url, created_utc, content_hash, mentions_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tickerID, item.ExternalID, item.Title, item.Text, string(item.Kind),
		metaString(item, "author"), metaInt(item, "points"), metaInt(item, "num_comments"),
		item.URL, item.OccurredAt.UTC(), item.ContentHash, mentions)
	if err != nil && !isDuplicate(err) {
		return fmt.Errorf("failed to insert community post: %w", err)
	}
	return err
}

// InsertSentiment writes one sentiment row and back-fills the raw-item row
// sharing its content hash.
func (r *Repo) InsertSentiment(ctx context.Context, symbol string, source models.Source, score models.SentimentScore, contentHash, rawText string) (persistence.StoreOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tickerID, err := r.ensureTickerTx(ctx, tx, symbol)
	if err != nil {
		return "", err
	}

	metadata := "{}"
	if score.Verification != nil {
		if b, merr := json.Marshal(score.Verification); merr == nil {
			metadata = string(b)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sentiments (ticker_id, source, score, confidence, label, model, raw_text, content_hash, metadata_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tickerID, string(source), score.Score, score.Confidence, string(score.Label),
		score.Model, rawText, contentHash, metadata)
	if err != nil {
		if isDuplicate(err) {
			return persistence.OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("failed to insert sentiment: %w", err)
	}

	table := "articles"
	if source.Family() == models.FamilyCommunity {
		table = "community_posts"
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET sentiment_score = $1, confidence = $2 WHERE ticker_id = $3 AND content_hash = $4`,
		score.Score, score.Confidence, tickerID, contentHash)
	if err != nil {
		return "", fmt.Errorf("failed to back-fill raw item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The raw row was skipped as a duplicate at storage time; the
		// sentiment row stands on its own unique key.
		log.Debug().Str("symbol", symbol).Str("source", string(source)).
			Msg("sentiment back-fill found no raw row")
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return persistence.OutcomeStored, nil
}

// ActiveTickers returns the watchlist ordered by priority.
func (r *Repo) ActiveTickers(ctx context.Context) ([]models.Ticker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var tickers []models.Ticker
	err := r.db.SelectContext(ctx, &tickers, `
		SELECT id, symbol, name, active, priority, current_price, created_at, updated_at
		FROM tickers
		WHERE active
		ORDER BY priority DESC, symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active tickers: %w", err)
	}
	return tickers, nil
}

// EnsureTicker resolves or creates the ticker row outside any transaction.
func (r *Repo) EnsureTicker(ctx context.Context, symbol string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var id int64
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO tickers (symbol, name)
		VALUES ($1, $1)
		ON CONFLICT (symbol) DO UPDATE SET symbol = EXCLUDED.symbol
		RETURNING id`, symbol).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure ticker %s: %w", symbol, err)
	}
	return id, nil
}

// SetTickerActive soft-activates or deactivates a watchlist entry.
func (r *Repo) SetTickerActive(ctx context.Context, symbol string, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE tickers SET active = $1, updated_at = NOW() WHERE symbol = $2`, active, symbol)
	if err != nil {
		return fmt.Errorf("failed to update ticker %s: %w", symbol, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SymbolActivity reports per-symbol sentiment staleness and 24h volume for
// fair ordering.
func (r *Repo) SymbolActivity(ctx context.Context, symbols []string) ([]persistence.SymbolActivity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []persistence.SymbolActivity
	err := r.db.SelectContext(ctx, &rows, `
		SELECT t.symbol,
		       MAX(s.created_at) AS last_sentiment_at,
		       COUNT(s.id) FILTER (WHERE s.created_at > NOW() - INTERVAL '24 hours') AS count_last_24h
		FROM tickers t
		LEFT JOIN sentiments s ON s.ticker_id = t.id
		WHERE t.symbol = ANY($1)
		GROUP BY t.symbol`, pq.Array(symbols))
	if err != nil {
		return nil, fmt.Errorf("failed to query symbol activity: %w", err)
	}
	return rows, nil
}

func metaString(item *models.RawItem, key string) string {
	if v, ok := item.Metadata[key].(string); ok {
		return v
	}
	return ""
}

func metaInt(item *models.RawItem, key string) int {
	switch v := item.Metadata[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func mentionsJSON(item *models.RawItem) string {
	mentions := []string{item.Symbol}
	if extra, ok := item.Metadata["all_mentions"].([]string); ok {
		mentions = extra
	}
	b, err := json.Marshal(mentions)
	if err != nil {
		return "[]"
	}
	return string(b)
}
