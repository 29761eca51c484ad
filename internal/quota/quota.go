// Package quota tracks per-source daily and per-minute request budgets.
// The scheduler consults it before enabling quota-limited sources for a run.
package quota

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finpulse/finpulse/internal/models"
)

// Budget is a per-source daily/minute allowance. Zero means unlimited.
type Budget struct {
	DailyLimit     int `yaml:"daily_limit"`
	PerMinuteLimit int `yaml:"per_minute_limit"`
}

// DefaultBudgets reflects the free tiers of the quota-limited sources.
// Keyless sources carry no daily budget.
func DefaultBudgets() map[models.Source]Budget {
	return map[models.Source]Budget{
		models.SourceNewsAPI:   {DailyLimit: 100, PerMinuteLimit: 5},
		models.SourceMarketAux: {DailyLimit: 100, PerMinuteLimit: 5},
		models.SourceFinnhub:   {DailyLimit: 0, PerMinuteLimit: 60},
	}
}

type sourceUsage struct {
	usedToday int
	day       string // YYYY-MM-DD in UTC
	minute    []time.Time
}

// Manager enforces budgets. Counters reset at midnight UTC.
type Manager struct {
	mu      sync.Mutex
	budgets map[models.Source]Budget
	usage   map[models.Source]*sourceUsage
	now     func() time.Time
}

// NewManager creates a quota manager; nil budgets selects the defaults.
func NewManager(budgets map[models.Source]Budget) *Manager {
	if budgets == nil {
		budgets = DefaultBudgets()
	}
	return &Manager{
		budgets: budgets,
		usage:   make(map[models.Source]*sourceUsage),
		now:     time.Now,
	}
}

func (m *Manager) usageFor(source models.Source, now time.Time) *sourceUsage {
	u, ok := m.usage[source]
	day := now.UTC().Format("2006-01-02")
	if !ok {
		u = &sourceUsage{day: day}
		m.usage[source] = u
	}
	if u.day != day {
		u.usedToday = 0
		u.day = day
	}
	// Slide the per-minute window.
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(u.minute) && !u.minute[i].After(cutoff) {
		i++
	}
	if i > 0 {
		u.minute = append(u.minute[:0], u.minute[i:]...)
	}
	return u
}

// CanMakeRequest reports whether n more requests against source fit inside
// both budgets. Sources without a configured budget are always allowed.
func (m *Manager) CanMakeRequest(source models.Source, n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.budgets[source]
	if !ok {
		return true
	}
	now := m.now()
	u := m.usageFor(source, now)

	if b.DailyLimit > 0 && u.usedToday+n > b.DailyLimit {
		log.Debug().Str("source", string(source)).
			Int("used_today", u.usedToday).Int("requested", n).Int("daily_limit", b.DailyLimit).
			Msg("daily quota would be exceeded")
		return false
	}
	if b.PerMinuteLimit > 0 && len(u.minute)+n > b.PerMinuteLimit {
		return false
	}
	return true
}

// RecordUsage charges n requests against source's budgets.
func (m *Manager) RecordUsage(source models.Source, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	u := m.usageFor(source, now)
	u.usedToday += n
	for i := 0; i < n; i++ {
		u.minute = append(u.minute, now)
	}
}

// Reset zeroes all counters. Wired to the daily quota-reset job.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = make(map[models.Source]*sourceUsage)
	log.Info().Msg("source quotas reset")
}

// UsageStats is a point-in-time snapshot for the admin surface.
type UsageStats struct {
	Source     models.Source `json:"source"`
	UsedToday  int           `json:"used_today"`
	DailyLimit int           `json:"daily_limit"`
	LastMinute int           `json:"last_minute"`
	MinuteCap  int           `json:"per_minute_limit"`
}

// Stats returns usage for every budgeted source.
func (m *Manager) Stats() []UsageStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]UsageStats, 0, len(m.budgets))
	for source, b := range m.budgets {
		u := m.usageFor(source, now)
		out = append(out, UsageStats{
			Source:     source,
			UsedToday:  u.usedToday,
			DailyLimit: b.DailyLimit,
			LastMinute: len(u.minute),
			MinuteCap:  b.PerMinuteLimit,
		})
	}
	return out
}
