// Package llm provides the completion client used for sentiment
// verification. The provider speaks the chat-completions wire format; the
// rest of the system only sees the Client interface.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Client is the completion contract the sentiment engine verifies against.
type Client interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// Config holds provider settings. Model and BaseURL default to a small,
// cheap chat model when unset.
type Config struct {
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"-"`
	Timeout     time.Duration `yaml:"timeout"`
	RequestsPer time.Duration `yaml:"min_request_interval"`
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Timeout <= 0 {
		c.Timeout = 45 * time.Second
	}
	if c.RequestsPer <= 0 {
		c.RequestsPer = 2 * time.Second
	}
}

// HTTPClient talks to a chat-completions endpoint with a client-side
// request-interval throttle. 429 responses are retried with a linear delay.
type HTTPClient struct {
	cfg      Config
	http     *http.Client
	throttle *rate.Limiter
}

const rateLimitRetries = 3

func NewHTTPClient(cfg Config) *HTTPClient {
	cfg.setDefaults()
	return &HTTPClient{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		throttle: rate.NewLimiter(rate.Every(cfg.RequestsPer), 1),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a single-message chat completion and returns the assistant
// text.
func (c *HTTPClient) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("llm API key not configured")
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}

	for attempt := 0; ; attempt++ {
		if err := c.throttle.Wait(ctx); err != nil {
			return "", err
		}

		text, status, err := c.post(ctx, body)
		if err == nil {
			return text, nil
		}
		if status != http.StatusTooManyRequests || attempt >= rateLimitRetries {
			return "", err
		}
		delay := time.Duration(attempt+1) * 10 * time.Second
		log.Warn().Int("attempt", attempt+1).Dur("delay", delay).
			Msg("llm rate limited, retrying")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *HTTPClient) post(ctx context.Context, body []byte) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, fmt.Errorf("llm http %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", resp.StatusCode, fmt.Errorf("llm response decode: %w", err)
	}
	if cr.Error != nil {
		return "", resp.StatusCode, fmt.Errorf("llm error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", resp.StatusCode, fmt.Errorf("llm response had no choices")
	}
	return cr.Choices[0].Message.Content, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
