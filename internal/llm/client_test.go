package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *HTTPClient {
	return NewHTTPClient(Config{
		BaseURL:     baseURL,
		APIKey:      "test-key",
		RequestsPer: time.Millisecond,
	})
}

func TestComplete_ReturnsAssistantText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 100, req.MaxTokens)
		require.Len(t, req.Messages, 1)

		json.NewEncoder(w).Encode(chatResponse{Choices: []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: "positive"}}}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	out, err := c.Complete(context.Background(), "classify this", 100, 0.1)
	require.NoError(t, err)
	assert.Equal(t, "positive", out)
}

func TestComplete_MissingKey(t *testing.T) {
	c := NewHTTPClient(Config{})
	_, err := c.Complete(context.Background(), "x", 10, 0)
	assert.Error(t, err)
}

func TestComplete_NonRetryableStatusFailsFast(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Complete(context.Background(), "x", 10, 0)
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "401 must not be retried")
}

func TestComplete_RateLimitedRetryCancelable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	c := newTestClient(srv.URL)
	start := time.Now()
	_, err := c.Complete(ctx, "x", 10, 0)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "retry wait must honor context cancellation")
}
