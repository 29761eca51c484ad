package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpulse/finpulse/internal/models"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.HTTP.Addr)
	assert.Equal(t, 24, cfg.Collectors.LookbackHours)
	assert.Equal(t, 16, cfg.Collectors.BatchSize)
	assert.NotEmpty(t, cfg.RateLimits)
	assert.NotEmpty(t, cfg.Quotas)
	assert.Equal(t, 10, cfg.Text.MinLength)
}

func TestLoad_ParsesAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_DB_HOST", "db.internal")

	raw := `
database:
  dsn: postgres://u:p@${TEST_DB_HOST}:5432/finpulse
collectors:
  symbols: [AAPL, MSFT]
  lookback_hours: 48
  collector_timeout: 120s
http:
  addr: ":9000"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db.internal:5432/finpulse", cfg.Database.DSN)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Collectors.Symbols)
	assert.Equal(t, 48, cfg.Collectors.LookbackHours)
	assert.Equal(t, 120*time.Second, cfg.Collectors.CollectorTimeout)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
}

func TestLoad_RejectsUnknownSource(t *testing.T) {
	raw := `
rate_limits:
  reddit:
    requests_per_minute: 10
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_KeepsConfiguredRateLimits(t *testing.T) {
	raw := `
rate_limits:
  newsapi:
    requests_per_minute: 2
    requests_per_hour: 40
    burst_limit: 1
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.RateLimits[models.SourceNewsAPI].RequestsPerMinute)
	// A partial rate_limits block replaces the defaults wholesale.
	_, ok := cfg.RateLimits[models.SourceFinnhub]
	assert.False(t, ok)
}
