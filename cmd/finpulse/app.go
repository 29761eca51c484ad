package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/finpulse/finpulse/internal/collect"
	"github.com/finpulse/finpulse/internal/config"
	"github.com/finpulse/finpulse/internal/llm"
	"github.com/finpulse/finpulse/internal/metrics"
	"github.com/finpulse/finpulse/internal/persistence/postgres"
	"github.com/finpulse/finpulse/internal/pipeline"
	"github.com/finpulse/finpulse/internal/quota"
	"github.com/finpulse/finpulse/internal/ratelimit"
	"github.com/finpulse/finpulse/internal/secrets"
	"github.com/finpulse/finpulse/internal/sentiment"
)

// app bundles the wired components behind the serve and run commands.
type app struct {
	cfg        *config.Config
	repo       *postgres.Repo
	limiter    *ratelimit.Limiter
	quotas     *quota.Manager
	metrics    *metrics.Registry
	pipeline   *pipeline.Pipeline
	httpClient *collect.Client
	redis      *redis.Client
}

// buildApp is the composition root: config, secrets, storage, collectors,
// sentiment engine, pipeline.
func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	chain := secrets.Chain{&secrets.EnvLoader{Prefix: trimUnderscore(cfg.Secrets.EnvPrefix)}}
	if cfg.Secrets.File != "" {
		chain = append(chain, &secrets.FileLoader{Path: cfg.Secrets.File})
	}
	keys, err := chain.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	for name, value := range keys {
		if secrets.SensitiveName(name) {
			value = secrets.Redact(value)
		}
		log.Debug().Str("name", name).Str("value", value).Msg("credential loaded")
	}

	repo, err := postgres.New(cfg.Database.DSN, cfg.Database.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	var redisClient *redis.Client
	cache := collect.NewMemoryCache(512)
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, using in-memory response cache")
			redisClient.Close()
			redisClient = nil
		} else {
			cache = collect.NewRedisCache(redisClient, "finpulse")
		}
	}

	limiter := ratelimit.New(cfg.RateLimits)
	httpClient := collect.NewClient(limiter, cache, cfg.Collectors.RequestTimeout)
	collectors := collect.BuildCollectors(httpClient, keys)

	var verifier llm.Client
	if key := keys[secrets.KeyLLM]; key != "" {
		llmCfg := cfg.LLM
		llmCfg.APIKey = key
		verifier = llm.NewHTTPClient(llmCfg)
		log.Info().Str("model", llmCfg.Model).Msg("LLM verification enabled")
	} else {
		log.Info().Msg("LLM verification disabled: missing API key")
	}
	engine := sentiment.New(cfg.Sentiment, verifier)

	reg := metrics.NewRegistry()
	quotas := quota.NewManager(cfg.Quotas)

	return &app{
		cfg:        cfg,
		repo:       repo,
		limiter:    limiter,
		quotas:     quotas,
		metrics:    reg,
		pipeline:   pipeline.New(collectors, repo, engine, cfg.Text, reg),
		httpClient: httpClient,
		redis:      redisClient,
	}, nil
}

func (a *app) runConfig() pipeline.RunConfig {
	c := a.cfg.Collectors
	return pipeline.RunConfig{
		Symbols:            c.Symbols,
		LookbackHours:      c.LookbackHours,
		MaxItemsPerSymbol:  c.MaxItemsPerSymbol,
		ParallelCollectors: c.ParallelCollectors,
		CollectorTimeout:   c.CollectorTimeout,
		BatchSize:          c.BatchSize,
		IncludeComments:    c.IncludeComments,
		CoverageTarget:     c.CoverageTarget,
	}
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.repo.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close database")
	}
}

// trimUnderscore drops a trailing underscore so the env loader's own joining
// underscore is not doubled.
func trimUnderscore(prefix string) string {
	for len(prefix) > 0 && prefix[len(prefix)-1] == '_' {
		prefix = prefix[:len(prefix)-1]
	}
	return prefix
}
