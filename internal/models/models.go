package models

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies an external data source.
type Source string

const (
	SourceHackerNews Source = "hackernews"
	SourceGDELT      Source = "gdelt"
	SourceYahoo      Source = "yahoo_finance"
	SourceFinnhub    Source = "finnhub"
	SourceNewsAPI    Source = "newsapi"
	SourceMarketAux  Source = "marketaux"
)

// AllSources lists every known source in collection order.
func AllSources() []Source {
	return []Source{
		SourceHackerNews, SourceGDELT, SourceYahoo,
		SourceFinnhub, SourceNewsAPI, SourceMarketAux,
	}
}

// SourceFamily determines which table a raw item lands in.
type SourceFamily string

const (
	FamilyArticle   SourceFamily = "article"
	FamilyCommunity SourceFamily = "community"
)

// Family returns the persistence family for a source. HackerNews items are
// community posts; everything else is news articles.
func (s Source) Family() SourceFamily {
	if s == SourceHackerNews {
		return FamilyCommunity
	}
	return FamilyArticle
}

func (s Source) Valid() bool {
	switch s {
	case SourceHackerNews, SourceGDELT, SourceYahoo, SourceFinnhub, SourceNewsAPI, SourceMarketAux:
		return true
	}
	return false
}

// ContentKind classifies a collected item.
type ContentKind string

const (
	KindArticle ContentKind = "article"
	KindStory   ContentKind = "story"
	KindComment ContentKind = "comment"
)

// Ticker is a tracked equity. Soft-deactivated via Active, never hard-deleted
// while referenced.
type Ticker struct {
	ID           int64      `json:"id" db:"id"`
	Symbol       string     `json:"symbol" db:"symbol"`
	Name         string     `json:"name" db:"name"`
	Active       bool       `json:"active" db:"active"`
	Priority     int        `json:"priority" db:"priority"`
	CurrentPrice *float64   `json:"current_price,omitempty" db:"current_price"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// DateRange is a half-open interval [Start, End) of UTC instants.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange validates start < end and normalizes both instants to UTC.
func NewDateRange(start, end time.Time) (DateRange, error) {
	if !start.Before(end) {
		return DateRange{}, fmt.Errorf("invalid date range: start %s is not before end %s", start, end)
	}
	return DateRange{Start: start.UTC(), End: end.UTC()}, nil
}

// LastHours returns the range covering the trailing n hours ending now.
func LastHours(n int) DateRange {
	now := time.Now().UTC()
	return DateRange{Start: now.Add(-time.Duration(n) * time.Hour), End: now}
}

// Contains reports whether t falls inside the range widened by slack on both
// ends. Sources stamp items with their own clocks, so a little slack is
// required.
func (r DateRange) Contains(t time.Time, slack time.Duration) bool {
	t = t.UTC()
	return !t.Before(r.Start.Add(-slack)) && t.Before(r.End.Add(slack))
}

func (r DateRange) Duration() time.Duration { return r.End.Sub(r.Start) }

// CollectionConfig is one invocation's contract to a collector. Immutable per
// call.
type CollectionConfig struct {
	Symbols           []string  `json:"symbols"`
	Range             DateRange `json:"range"`
	MaxItemsPerSymbol int       `json:"max_items_per_symbol"`
	IncludeComments   bool      `json:"include_comments"`
	MinScore          int       `json:"min_score"`
}

// Validate enforces the collector contract preconditions.
func (c CollectionConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("collection config requires at least one symbol")
	}
	for _, sym := range c.Symbols {
		if strings.TrimSpace(sym) == "" {
			return fmt.Errorf("collection config contains an empty symbol")
		}
	}
	if c.MaxItemsPerSymbol <= 0 {
		return fmt.Errorf("max_items_per_symbol must be positive, got %d", c.MaxItemsPerSymbol)
	}
	if !c.Range.Start.Before(c.Range.End) {
		return fmt.Errorf("collection config has an empty date range")
	}
	return nil
}

// RawItem is a normalized piece of collected text. Created by a collector;
// the pipeline attaches ContentHash before storage.
type RawItem struct {
	Source      Source                 `json:"source"`
	Kind        ContentKind            `json:"kind"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Text        string                 `json:"text"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Symbol      string                 `json:"symbol"`
	URL         string                 `json:"url,omitempty"`
	ExternalID  string                 `json:"external_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	ContentHash string                 `json:"content_hash,omitempty"`
}

// CollectionResult is what every collector returns. Total failure is reported
// through Success=false and Error, never a panic.
type CollectionResult struct {
	Source         Source        `json:"source"`
	Success        bool          `json:"success"`
	Items          []*RawItem    `json:"items,omitempty"`
	Error          string        `json:"error,omitempty"`
	ItemsCollected int           `json:"items_collected"`
	Requests       int           `json:"requests"`
	ExecutionTime  time.Duration `json:"execution_time"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// FailedResult builds a failed CollectionResult for a source.
func FailedResult(source Source, err error, elapsed time.Duration) CollectionResult {
	return CollectionResult{
		Source:        source,
		Success:       false,
		Error:         err.Error(),
		ExecutionTime: elapsed,
	}
}

// SentimentLabel is the classification outcome.
type SentimentLabel string

const (
	LabelPositive SentimentLabel = "positive"
	LabelNegative SentimentLabel = "negative"
	LabelNeutral  SentimentLabel = "neutral"
)

// VerificationMeta records the LLM side of hybrid verification.
type VerificationMeta struct {
	LLMConsulted  bool           `json:"llm_consulted"`
	LLMLabel      SentimentLabel `json:"llm_label,omitempty"`
	LLMConfidence float64        `json:"llm_confidence,omitempty"`
	Reasoning     string         `json:"reasoning,omitempty"`
}

// SentimentScore is the classification output. Invariant: sign(Score) agrees
// with Label, and Label==neutral implies |Score| < 0.1.
type SentimentScore struct {
	Label        SentimentLabel    `json:"label"`
	Score        float64           `json:"score"`
	Confidence   float64           `json:"confidence"`
	Model        string            `json:"model"`
	Method       string            `json:"method,omitempty"`
	Verification *VerificationMeta `json:"verification,omitempty"`
}

// Consistent reports whether the score/label invariant holds.
func (s SentimentScore) Consistent() bool {
	switch s.Label {
	case LabelPositive:
		return s.Score >= 0
	case LabelNegative:
		return s.Score <= 0
	case LabelNeutral:
		return s.Score > -0.1 && s.Score < 0.1
	}
	return false
}

// NeutralScore is the per-item fallback on model failure.
func NeutralScore(model, method string) SentimentScore {
	return SentimentScore{Label: LabelNeutral, Score: 0, Confidence: 0, Model: model, Method: method}
}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusCancelled RunStatus = "cancelled"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether a run in this status is finished.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// CollectorStats holds per-collector accounting within one run.
type CollectorStats struct {
	Attempted     bool          `json:"attempted"`
	Success       bool          `json:"success"`
	Items         int           `json:"items"`
	Requests      int           `json:"requests"`
	ExecutionTime time.Duration `json:"execution_time"`
	Error         string        `json:"error,omitempty"`
}

// PipelineResult is the in-memory record of one run. Held only in scheduler
// memory; terminal after run end.
type PipelineResult struct {
	ID             string                     `json:"id"`
	Status         RunStatus                  `json:"status"`
	StartedAt      time.Time                  `json:"started_at"`
	EndedAt        time.Time                  `json:"ended_at,omitempty"`
	CollectorStats map[Source]*CollectorStats `json:"collector_stats"`

	TotalItemsCollected int `json:"total_items_collected"`
	TotalItemsStored    int `json:"total_items_stored"`
	TotalItemsAnalyzed  int `json:"total_items_analyzed"`
	SentimentsStored    int `json:"sentiments_stored"`
	DuplicatesSkipped   int `json:"duplicates_skipped"`
	MissingSymbol       int `json:"missing_symbol"`

	SuccessRate  float64 `json:"success_rate"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// Duration returns run wall time, zero while the run is still open.
func (r *PipelineResult) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
