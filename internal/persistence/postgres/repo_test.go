package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpulse/finpulse/internal/models"
	"github.com/finpulse/finpulse/internal/persistence"
)

func newMockRepo(t *testing.T) (*Repo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewFromDB(sqlx.NewDb(db, "sqlmock"), 5*time.Second), mock
}

func articleItem() *models.RawItem {
	return &models.RawItem{
		Source:      models.SourceNewsAPI,
		Kind:        models.KindArticle,
		Title:       "Apple beats earnings estimates",
		Text:        "Apple beats earnings estimates\nStrong quarter",
		OccurredAt:  time.Now().UTC(),
		Symbol:      "AAPL",
		URL:         "https://ex.com/a",
		ContentHash: "hash-1",
	}
}

func TestUpsertRawItem_StoresArticle(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tickers").WithArgs("AAPL").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("https://ex.com/a").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO articles").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	outcome, err := repo.UpsertRawItem(context.Background(), articleItem())
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomeStored, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRawItem_DuplicateURLIsNoOp(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tickers").WithArgs("AAPL").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("https://ex.com/a").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	outcome, err := repo.UpsertRawItem(context.Background(), articleItem())
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomeDuplicate, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRawItem_InvalidItems(t *testing.T) {
	repo, _ := newMockRepo(t)

	noURL := articleItem()
	noURL.URL = ""
	outcome, err := repo.UpsertRawItem(context.Background(), noURL)
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomeInvalid, outcome)

	post := articleItem()
	post.Source = models.SourceHackerNews
	post.ExternalID = ""
	outcome, err = repo.UpsertRawItem(context.Background(), post)
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomeInvalid, outcome, "community items require an external id")

	outcome, err = repo.UpsertRawItem(context.Background(), &models.RawItem{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomeInvalid, outcome, "empty text is invalid")
}

func TestUpsertRawItem_CommunityPostUsesExternalID(t *testing.T) {
	repo, mock := newMockRepo(t)

	item := &models.RawItem{
		Source:     models.SourceHackerNews,
		Kind:       models.KindStory,
		Title:      "AAPL discussion",
		Text:       "AAPL stock talk",
		OccurredAt: time.Now().UTC(),
		Symbol:     "AAPL",
		ExternalID: "hn-123",
		Metadata:   map[string]interface{}{"author": "pg", "points": 42},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tickers").WithArgs("AAPL").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("hn-123").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO community_posts").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	outcome, err := repo.UpsertRawItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomeStored, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSentiment_StoredThenDuplicate(t *testing.T) {
	repo, mock := newMockRepo(t)
	score := models.SentimentScore{
		Label: models.LabelPositive, Score: 0.8, Confidence: 0.9, Model: "finbert-lexicon-v1",
	}

	// First call stores and back-fills.
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tickers").WithArgs("AAPL").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec("INSERT INTO sentiments").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE articles SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := repo.InsertSentiment(context.Background(), "AAPL", models.SourceNewsAPI, score, "hash-1", "raw text")
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomeStored, outcome)

	// Second call trips the unique index.
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tickers").WithArgs("AAPL").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec("INSERT INTO sentiments").
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectRollback()

	outcome, err = repo.InsertSentiment(context.Background(), "AAPL", models.SourceNewsAPI, score, "hash-1", "raw text")
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomeDuplicate, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSentiment_MissingRawRowIsNotAnError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tickers").WithArgs("AAPL").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec("INSERT INTO sentiments").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE community_posts SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	outcome, err := repo.InsertSentiment(context.Background(), "AAPL", models.SourceHackerNews,
		models.SentimentScore{Label: models.LabelNeutral}, "hash-2", "raw")
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomeStored, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetTickerActive_UnknownSymbol(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE tickers SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetTickerActive(context.Background(), "NOPE", false)
	assert.Error(t, err)
}
