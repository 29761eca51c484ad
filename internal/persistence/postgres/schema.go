package postgres

// Schema DDL, applied idempotently at startup. Raw-item tables carry a
// content_hash so sentiment back-fill can find its row without joins.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tickers (
		id            BIGSERIAL PRIMARY KEY,
		symbol        TEXT NOT NULL UNIQUE,
		name          TEXT NOT NULL DEFAULT '',
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		priority      INTEGER NOT NULL DEFAULT 0,
		current_price DOUBLE PRECISION,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS articles (
		id              BIGSERIAL PRIMARY KEY,
		ticker_id       BIGINT NOT NULL REFERENCES tickers(id),
		title           TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		url             TEXT NOT NULL UNIQUE,
		source          TEXT NOT NULL,
		published_at    TIMESTAMPTZ NOT NULL,
		author          TEXT NOT NULL DEFAULT '',
		content_hash    TEXT NOT NULL DEFAULT '',
		sentiment_score DOUBLE PRECISION,
		confidence      DOUBLE PRECISION,
		mentions_json   JSONB NOT NULL DEFAULT '[]',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_articles_ticker_hash ON articles (ticker_id, content_hash)`,

	`CREATE TABLE IF NOT EXISTS community_posts (
		id              BIGSERIAL PRIMARY KEY,
		ticker_id       BIGINT NOT NULL REFERENCES tickers(id),
		external_id     TEXT NOT NULL UNIQUE,
		title           TEXT NOT NULL DEFAULT '',
		content         TEXT NOT NULL,
		content_type    TEXT NOT NULL DEFAULT 'story',
		author          TEXT NOT NULL DEFAULT '',
		points          INTEGER NOT NULL DEFAULT 0,
		num_comments    INTEGER NOT NULL DEFAULT 0,
		url             TEXT NOT NULL DEFAULT '',
		created_utc     TIMESTAMPTZ NOT NULL,
		content_hash    TEXT NOT NULL DEFAULT '',
		sentiment_score DOUBLE PRECISION,
		confidence      DOUBLE PRECISION,
		mentions_json   JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_ticker_hash ON community_posts (ticker_id, content_hash)`,

	`CREATE TABLE IF NOT EXISTS sentiments (
		id            BIGSERIAL PRIMARY KEY,
		ticker_id     BIGINT NOT NULL REFERENCES tickers(id),
		source        TEXT NOT NULL,
		score         DOUBLE PRECISION NOT NULL,
		confidence    DOUBLE PRECISION NOT NULL,
		label         TEXT NOT NULL,
		model         TEXT NOT NULL DEFAULT '',
		raw_text      TEXT NOT NULL DEFAULT '',
		content_hash  TEXT NOT NULL,
		metadata_json JSONB NOT NULL DEFAULT '{}',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sentiments_dedup ON sentiments (ticker_id, source, content_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_sentiments_created ON sentiments (created_at)`,
}
