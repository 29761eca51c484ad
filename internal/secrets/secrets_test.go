package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvLoader_PrefixedLookup(t *testing.T) {
	t.Setenv("FINPULSE_FINNHUB_API_KEY", "fh-123")
	t.Setenv("FINNHUB_API_KEY", "unprefixed")

	keys, err := (&EnvLoader{Prefix: "finpulse"}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fh-123", keys[KeyFinnhub])
	assert.NotContains(t, keys, KeyNewsAPI)
}

func TestFileLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("news_api_key: na-456\nextra_key: kept\n"), 0o600))

	keys, err := (&FileLoader{Path: path}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "na-456", keys[KeyNewsAPI])
	assert.Equal(t, "kept", keys["extra_key"])

	_, err = (&FileLoader{Path: filepath.Join(t.TempDir(), "missing.yaml")}).Load(context.Background())
	assert.Error(t, err)
}

func TestChain_EarlierLoaderWins(t *testing.T) {
	t.Setenv("MARKETAUX_API_KEY", "from-env")
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("marketaux_api_key: from-file\nllm_api_key: sk-789\n"), 0o600))

	chain := Chain{&EnvLoader{}, &FileLoader{Path: path}}
	keys, err := chain.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-env", keys[KeyMarketAux])
	assert.Equal(t, "sk-789", keys[KeyLLM])
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "****cdef", Redact("sk-abcdef"))
	assert.Equal(t, "****", Redact("abc"))
}

func TestSensitiveName(t *testing.T) {
	assert.True(t, SensitiveName("finnhub_api_key"))
	assert.True(t, SensitiveName("database_dsn"))
	assert.False(t, SensitiveName("lookback_hours"))
}
