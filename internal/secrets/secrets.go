// Package secrets loads API credentials for collectors and the LLM verifier.
// Missing keys disable the corresponding component rather than failing
// startup; decryption-at-rest stays behind the Loader interface.
package secrets

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Recognized credential names.
const (
	KeyFinnhub   = "finnhub_api_key"
	KeyNewsAPI   = "news_api_key"
	KeyMarketAux = "marketaux_api_key"
	KeyLLM       = "llm_api_key"
)

// Loader resolves credential names to secret values.
type Loader interface {
	Load(ctx context.Context) (map[string]string, error)
}

// EnvLoader reads credentials from environment variables, uppercasing the
// name and applying an optional prefix (FINPULSE_FINNHUB_API_KEY etc).
type EnvLoader struct {
	Prefix string
}

func (l *EnvLoader) Load(_ context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, name := range []string{KeyFinnhub, KeyNewsAPI, KeyMarketAux, KeyLLM} {
		envKey := strings.ToUpper(name)
		if l.Prefix != "" {
			envKey = strings.ToUpper(l.Prefix) + "_" + envKey
		}
		if v := os.Getenv(envKey); v != "" {
			out[name] = v
		}
	}
	return out, nil
}

// FileLoader reads a flat YAML map of name -> secret. Unknown names are kept
// so callers can resolve extra credentials through the same file.
type FileLoader struct {
	Path string
}

func (l *FileLoader) Load(_ context.Context) (map[string]string, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	out := make(map[string]string)
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file: %w", err)
	}
	return out, nil
}

// Chain tries loaders in order and merges results; later loaders do not
// override values already present. An empty chain loads nothing.
type Chain []Loader

func (c Chain) Load(ctx context.Context) (map[string]string, error) {
	merged := make(map[string]string)
	for _, l := range c {
		m, err := l.Load(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
	}
	return merged, nil
}

var sensitiveRE = regexp.MustCompile(`(?i)(key|secret|token|password|credential|dsn|auth)`)

// Redact masks a secret value for logging, keeping a short identifying tail.
func Redact(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

// SensitiveName reports whether a config field name looks like it holds a
// secret and should be redacted in logs.
func SensitiveName(name string) bool {
	return sensitiveRE.MatchString(name)
}
