package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpulse/finpulse/internal/models"
	"github.com/finpulse/finpulse/internal/ratelimit"
)

func testClient() *Client {
	// Wide-open policy so tests never wait on the limiter.
	policies := map[models.Source]ratelimit.Policy{}
	for _, s := range models.AllSources() {
		policies[s] = ratelimit.Policy{
			RequestsPerMinute: 10000, RequestsPerHour: 100000, BurstLimit: 10000,
			Backoff: ratelimit.BackoffFixed, InitialDelay: time.Millisecond,
			MaxDelay: time.Millisecond, MaxRetries: 0,
		}
	}
	return NewClient(ratelimit.New(policies), NewMemoryCache(16), 5*time.Second)
}

func testRange(t *testing.T) models.DateRange {
	t.Helper()
	dr, err := models.NewDateRange(time.Now().Add(-24*time.Hour), time.Now())
	require.NoError(t, err)
	return dr
}

func TestHackerNews_CollectNormalizesAndFilters(t *testing.T) {
	dr := testRange(t)
	inWindow := time.Now().Add(-2 * time.Hour).Unix()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := hnSearchResponse{Hits: []hnHit{
			{ObjectID: "1", Title: "Apple stock surges after earnings beat", URL: "https://ex.com/1", Author: "pg", Points: 42, CreatedAtI: inWindow},
			{ObjectID: "2", Title: "Apple wins the championship game", Points: 90, CreatedAtI: inWindow},                // excluded: sports, no financial term
			{ObjectID: "3", Title: "Apple shares slide before the big game", Points: 10, CreatedAtI: inWindow},          // exclusion hit but financial term present: kept
			{ObjectID: "4", Title: "Old Apple earnings story", Points: 10, CreatedAtI: time.Now().Add(-72 * time.Hour).Unix()}, // out of range
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	hn := NewHackerNews(testClient(), NewRelevance())
	hn.baseURL = srv.URL

	res := hn.Collect(context.Background(), models.CollectionConfig{
		Symbols: []string{"AAPL"}, Range: dr, MaxItemsPerSymbol: 10,
	})

	require.True(t, res.Success, "error: %s", res.Error)
	require.Len(t, res.Items, 2)
	ids := []string{res.Items[0].ExternalID, res.Items[1].ExternalID}
	assert.ElementsMatch(t, []string{"1", "3"}, ids)

	first := res.Items[0]
	assert.Equal(t, models.SourceHackerNews, first.Source)
	assert.Equal(t, models.KindStory, first.Kind)
	assert.Equal(t, "AAPL", first.Symbol)
	assert.NotEmpty(t, first.Text)
	assert.Equal(t, res.ItemsCollected, len(res.Items))
	assert.Equal(t, 2, res.Requests, "one search for the symbol, one for the company name")
}

func TestHackerNews_TotalFailureReturnsFailedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hn := NewHackerNews(testClient(), NewRelevance())
	hn.baseURL = srv.URL

	res := hn.Collect(context.Background(), models.CollectionConfig{
		Symbols: []string{"AAPL"}, Range: testRange(t), MaxItemsPerSymbol: 5,
	})
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestHackerNews_PerSymbolFailureIsWarning(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		q := r.URL.Query().Get("query")
		if q == "MSFT" || q == "Microsoft" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(hnSearchResponse{Hits: []hnHit{{
			ObjectID: "7", Title: "Apple stock rally continues", Points: 5,
			CreatedAtI: time.Now().Add(-time.Hour).Unix(),
		}}})
	}))
	defer srv.Close()

	hn := NewHackerNews(testClient(), NewRelevance())
	hn.baseURL = srv.URL

	res := hn.Collect(context.Background(), models.CollectionConfig{
		Symbols: []string{"MSFT", "AAPL"}, Range: testRange(t), MaxItemsPerSymbol: 5,
	})

	assert.True(t, res.Success, "one failed symbol must not fail the collector")
	assert.Len(t, res.Items, 1)
	assert.NotEmpty(t, res.Warnings)
}

func TestMarketAux_DistributesAcrossMentionedSymbols(t *testing.T) {
	dr := testRange(t)
	published := time.Now().Add(-3 * time.Hour).UTC().Format("2006-01-02T15:04:05.000000Z")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data []marketauxArticle
		for i := 0; i < 4; i++ {
			data = append(data, marketauxArticle{
				UUID:        fmt.Sprintf("u%d", i),
				Title:       fmt.Sprintf("Markets digest earnings report %d", i),
				Description: "Both companies posted strong quarterly revenue",
				URL:         fmt.Sprintf("https://ex.com/%d", i),
				PublishedAt: published,
				Entities: []struct {
					Symbol string `json:"symbol"`
				}{{Symbol: "AAPL"}, {Symbol: "MSFT"}},
			})
		}
		json.NewEncoder(w).Encode(marketauxResponse{Data: data})
	}))
	defer srv.Close()

	ma := NewMarketAux(testClient(), NewRelevance(), "test-key")
	ma.baseURL = srv.URL

	res := ma.Collect(context.Background(), models.CollectionConfig{
		Symbols: []string{"AAPL", "MSFT"}, Range: dr, MaxItemsPerSymbol: 10,
	})

	require.True(t, res.Success, "error: %s", res.Error)
	require.Len(t, res.Items, 4)

	counts := map[string]int{}
	for _, item := range res.Items {
		counts[item.Symbol]++
	}
	assert.Equal(t, 2, counts["AAPL"], "articles mentioning both symbols distribute evenly")
	assert.Equal(t, 2, counts["MSFT"])
	assert.Equal(t, 1, res.Requests, "both symbols fit one batched request")
}

func TestRelevance_ExclusionBeforeFinancialTerms(t *testing.T) {
	r := NewRelevance()

	assert.False(t, r.IsRelevant("Apple wins the championship game tonight", "AAPL", "Apple"),
		"sports content without financial anchor is excluded")
	assert.True(t, r.IsRelevant("Apple stock dips ahead of the championship game sponsorship", "AAPL", "Apple"),
		"exclusion hit with financial term present is kept")
	assert.True(t, r.IsRelevant("AAPL quarterly earnings beat expectations", "AAPL", "Apple"))
	assert.False(t, r.IsRelevant("Best apple pie recipes for fall", "AAPL", "Apple Inc"),
		"no entity mention, no financial term")
}

func TestCapPerSymbol(t *testing.T) {
	items := []*models.RawItem{{Title: "a"}, {Title: "b"}, {Title: "c"}}
	assert.Len(t, capPerSymbol(items, 2), 2)
	assert.Len(t, capPerSymbol(items, 0), 3, "zero cap means unlimited")
	assert.Len(t, capPerSymbol(items, 5), 3)
}

func TestClient_CacheServesRepeatQueries(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
	}))
	defer srv.Close()

	c := testClient()
	var out map[string]string
	require.NoError(t, c.GetJSON(context.Background(), models.SourceGDELT, srv.URL+"/x", nil, time.Minute, &out))
	require.NoError(t, c.GetJSON(context.Background(), models.SourceGDELT, srv.URL+"/x", nil, time.Minute, &out))
	assert.Equal(t, 1, hits, "second request must be served from cache")
	assert.Equal(t, "yes", out["ok"])
}
