// Package ratelimit provides per-source request admission with sliding
// per-minute and per-hour windows, burst caps, and retry backoff.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finpulse/finpulse/internal/models"
)

// Strategy selects the backoff growth function.
type Strategy string

const (
	BackoffFixed       Strategy = "fixed"
	BackoffLinear      Strategy = "linear"
	BackoffExponential Strategy = "exponential"
)

// Policy is the admission and retry policy for one source.
type Policy struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	RequestsPerHour   int           `yaml:"requests_per_hour"`
	BurstLimit        int           `yaml:"burst_limit"`
	Backoff           Strategy      `yaml:"backoff"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxRetries        int           `yaml:"max_retries"`
}

// DefaultPolicies returns the shipped per-source policies. Keyless public
// endpoints get conservative rates; key-gated APIs follow their free tiers.
func DefaultPolicies() map[models.Source]Policy {
	return map[models.Source]Policy{
		models.SourceHackerNews: {RequestsPerMinute: 30, RequestsPerHour: 600, BurstLimit: 10, Backoff: BackoffExponential, InitialDelay: 2 * time.Second, MaxDelay: 60 * time.Second, MaxRetries: 3},
		models.SourceGDELT:      {RequestsPerMinute: 20, RequestsPerHour: 300, BurstLimit: 5, Backoff: BackoffExponential, InitialDelay: 3 * time.Second, MaxDelay: 90 * time.Second, MaxRetries: 3},
		models.SourceYahoo:      {RequestsPerMinute: 30, RequestsPerHour: 800, BurstLimit: 8, Backoff: BackoffLinear, InitialDelay: 2 * time.Second, MaxDelay: 45 * time.Second, MaxRetries: 3},
		models.SourceFinnhub:    {RequestsPerMinute: 50, RequestsPerHour: 1500, BurstLimit: 15, Backoff: BackoffExponential, InitialDelay: 1 * time.Second, MaxDelay: 60 * time.Second, MaxRetries: 4},
		models.SourceNewsAPI:    {RequestsPerMinute: 5, RequestsPerHour: 80, BurstLimit: 3, Backoff: BackoffExponential, InitialDelay: 5 * time.Second, MaxDelay: 120 * time.Second, MaxRetries: 2},
		models.SourceMarketAux:  {RequestsPerMinute: 5, RequestsPerHour: 60, BurstLimit: 2, Backoff: BackoffFixed, InitialDelay: 10 * time.Second, MaxDelay: 60 * time.Second, MaxRetries: 2},
	}
}

// sourceState is the per-source timestamp ring. One mutex per source keeps
// admission serialized per source while different sources proceed
// independently.
type sourceState struct {
	mu       sync.Mutex
	history  []time.Time
	admitted int64
	waited   int64
}

// Limiter admits requests per source under the configured policies. The
// limiter itself never fails; Backoff returning zero means "stop retrying".
type Limiter struct {
	mu       sync.RWMutex
	policies map[models.Source]Policy
	states   map[models.Source]*sourceState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64
}

// New creates a limiter with the given per-source policies; sources absent
// from the map fall back to defaultPolicy.
func New(policies map[models.Source]Policy) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Limiter{
		policies: policies,
		states:   make(map[models.Source]*sourceState),
		now:      time.Now,
		sleep:    sleepCtx,
		randf:    rand.Float64,
	}
}

var defaultPolicy = Policy{
	RequestsPerMinute: 10, RequestsPerHour: 200, BurstLimit: 5,
	Backoff: BackoffExponential, InitialDelay: 2 * time.Second,
	MaxDelay: 60 * time.Second, MaxRetries: 3,
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Limiter) policy(source models.Source) Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.policies[source]; ok {
		return p
	}
	return defaultPolicy
}

func (l *Limiter) state(source models.Source) *sourceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[source]
	if !ok {
		st = &sourceState{}
		l.states[source] = st
	}
	return st
}

// Acquire blocks until one request against source is admissible under its
// policy, or ctx is done. On admission the request timestamp is recorded.
func (l *Limiter) Acquire(ctx context.Context, source models.Source) error {
	pol := l.policy(source)
	st := l.state(source)

	st.mu.Lock()
	defer st.mu.Unlock()

	for {
		now := l.now()
		st.prune(now)

		wait := admissionDelay(st.history, pol, now)
		if wait <= 0 {
			st.history = append(st.history, now)
			st.admitted++
			return nil
		}

		st.waited++
		log.Debug().Str("source", string(source)).Dur("wait", wait).Msg("rate limit wait")
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// prune drops timestamps older than one hour.
func (st *sourceState) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(st.history) && !st.history[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.history = append(st.history[:0], st.history[i:]...)
	}
}

// admissionDelay implements the admission algorithm: per-minute window, then
// per-hour window, then burst spacing. Returns zero when the request can be
// admitted now.
func admissionDelay(history []time.Time, pol Policy, now time.Time) time.Duration {
	minuteAgo := now.Add(-time.Minute)
	inMinute := countAfter(history, minuteAgo)

	if pol.RequestsPerMinute > 0 && inMinute >= pol.RequestsPerMinute {
		oldest := oldestAfter(history, minuteAgo)
		return oldest.Add(time.Minute).Sub(now)
	}
	if pol.RequestsPerHour > 0 && len(history) >= pol.RequestsPerHour {
		return history[0].Add(time.Hour).Sub(now)
	}
	if pol.BurstLimit > 0 && inMinute >= pol.BurstLimit && len(history) > 0 {
		sinceLast := now.Sub(history[len(history)-1])
		if sinceLast < time.Second {
			return time.Second - sinceLast
		}
	}
	return 0
}

func countAfter(history []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].After(cutoff) {
			n++
		} else {
			break
		}
	}
	return n
}

func oldestAfter(history []time.Time, cutoff time.Time) time.Time {
	for _, ts := range history {
		if ts.After(cutoff) {
			return ts
		}
	}
	return cutoff
}

// Backoff returns the delay to wait before retry number attempt (1-based)
// against source, or zero when retries are exhausted. Jitter in [1.10, 1.30]
// is applied before clamping to the policy maximum.
func (l *Limiter) Backoff(source models.Source, attempt int, _ error) time.Duration {
	pol := l.policy(source)
	if attempt > pol.MaxRetries {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var factor float64
	switch pol.Backoff {
	case BackoffFixed:
		factor = 1
	case BackoffLinear:
		factor = float64(attempt)
	default: // exponential
		factor = float64(int64(1) << uint(attempt-1))
	}

	delay := time.Duration(float64(pol.InitialDelay) * factor)
	jitter := 1.10 + 0.20*l.randf()
	delay = time.Duration(float64(delay) * jitter)
	if pol.MaxDelay > 0 && delay > pol.MaxDelay {
		delay = pol.MaxDelay
	}
	return delay
}

// SourceStatus is a snapshot of one source's limiter state.
type SourceStatus struct {
	Source         models.Source `json:"source"`
	InLastMinute   int           `json:"in_last_minute"`
	InLastHour     int           `json:"in_last_hour"`
	Admitted       int64         `json:"admitted"`
	Waits          int64         `json:"waits"`
	PerMinuteLimit int           `json:"per_minute_limit"`
	PerHourLimit   int           `json:"per_hour_limit"`
}

// Status returns a snapshot of all sources the limiter has seen.
func (l *Limiter) Status() map[models.Source]SourceStatus {
	l.mu.RLock()
	sources := make([]models.Source, 0, len(l.states))
	for s := range l.states {
		sources = append(sources, s)
	}
	l.mu.RUnlock()

	out := make(map[models.Source]SourceStatus, len(sources))
	for _, s := range sources {
		st := l.state(s)
		pol := l.policy(s)
		st.mu.Lock()
		now := l.now()
		st.prune(now)
		out[s] = SourceStatus{
			Source:         s,
			InLastMinute:   countAfter(st.history, now.Add(-time.Minute)),
			InLastHour:     len(st.history),
			Admitted:       st.admitted,
			Waits:          st.waited,
			PerMinuteLimit: pol.RequestsPerMinute,
			PerHourLimit:   pol.RequestsPerHour,
		}
		st.mu.Unlock()
	}
	return out
}
