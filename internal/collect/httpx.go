package collect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/finpulse/finpulse/internal/models"
	"github.com/finpulse/finpulse/internal/ratelimit"
)

const (
	maxResponseBytes = 8 << 20
	defaultCacheTTL  = 5 * time.Minute
)

// HTTPError carries the status code so callers can classify transient
// failures (429/5xx) separately from permanent ones.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// Transient reports whether err is worth retrying with backoff.
func Transient(err error) bool {
	if he, ok := err.(*HTTPError); ok {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500
	}
	// Network-level and JSON decode errors are treated as transient; the
	// backoff retry cap bounds the damage either way.
	return true
}

// Client issues rate-limited, breaker-guarded JSON requests on behalf of
// collectors. One circuit breaker per source: a hammered or broken API trips
// its own breaker without affecting the others.
type Client struct {
	http    *http.Client
	limiter *ratelimit.Limiter
	cache   ResponseCache

	mu       sync.Mutex
	breakers map[models.Source]*gobreaker.CircuitBreaker
}

// NewClient builds a collector HTTP client. cache may be nil to disable
// response caching.
func NewClient(limiter *ratelimit.Limiter, cache ResponseCache, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		limiter:  limiter,
		cache:    cache,
		breakers: make(map[models.Source]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(source models.Source) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[source]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(source),
		MaxRequests: 2,
		Interval:    2 * time.Minute,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("source", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("collector circuit breaker state change")
		},
	})
	c.breakers[source] = cb
	return cb
}

// BreakerStates reports each source's breaker state for the status surface.
func (c *Client) BreakerStates() map[models.Source]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[models.Source]string, len(c.breakers))
	for s, cb := range c.breakers {
		out[s] = cb.State().String()
	}
	return out
}

// GetJSON fetches url and decodes the JSON body into out. The call is
// admitted through the source's rate limiter, guarded by its breaker, and
// retried with the limiter's backoff on transient failures. cacheTTL > 0
// enables response caching for the URL.
func (c *Client) GetJSON(ctx context.Context, source models.Source, url string, headers map[string]string, cacheTTL time.Duration, out interface{}) error {
	cacheKey := ""
	if c.cache != nil && cacheTTL > 0 {
		sum := sha256.Sum256([]byte(url))
		cacheKey = string(source) + ":" + hex.EncodeToString(sum[:8])
		if body, ok := c.cache.Get(ctx, cacheKey); ok {
			return json.Unmarshal(body, out)
		}
	}

	var body []byte
	attempt := 0
	for {
		if err := c.limiter.Acquire(ctx, source); err != nil {
			return err
		}

		res, err := c.breaker(source).Execute(func() (interface{}, error) {
			return c.fetch(ctx, url, headers)
		})
		if err == nil {
			body = res.([]byte)
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		delay := time.Duration(0)
		if Transient(err) {
			delay = c.limiter.Backoff(source, attempt, err)
		}
		if delay <= 0 {
			return err
		}
		log.Warn().Str("source", string(source)).Int("attempt", attempt).
			Dur("backoff", delay).Err(err).Msg("request failed, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if cacheKey != "" {
		c.cache.Set(ctx, cacheKey, body, cacheTTL)
	}
	return json.Unmarshal(body, out)
}

func (c *Client) fetch(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "finpulse/1.0")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: url}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}
