package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"projectbot-core/internal/adapter/client"
	"projectbot-core/internal/adapter/store"
	"projectbot-core/internal/config"
	"projectbot-core/internal/domain/repository"
	"projectbot-core/internal/usecase"
)

type deps struct {
	orchestrator *usecase.Orchestrator
	registry     *prometheus.Registry
	closers      []func() error
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

// build wires adapters into the orchestrator according to cfg.
func build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*deps, error) {
	d := &deps{registry: prometheus.NewRegistry()}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	telemetry := usecase.NewTelemetry(d.registry)

	cache, metrics, err := buildCache(ctx, cfg, d)
	if err != nil {
		d.Close()
		return nil, err
	}

	primary, secondary, err := buildProviders(ctx, cfg, log)
	if err != nil {
		d.Close()
		return nil, err
	}
	resilient := usecase.NewResilientProvider(usecase.RetryPolicy{
		MaxAttempts: cfg.LLM.MaxAttempts,
		Backoff: usecase.Backoff{
			Base:   cfg.LLM.BackoffBase,
			Max:    cfg.LLM.BackoffMax,
			Jitter: cfg.LLM.BackoffJitter,
		},
		CallTimeout:      cfg.LLM.CallTimeout,
		HistoryCharLimit: cfg.LLM.HistoryChars,
	}, nil, nil, log, telemetry)

	var searchProvider repository.SearchProvider
	if cfg.SearchConfigured() {
		gs, err := client.NewGoogleSearch(ctx, cfg.Search.APIKey, cfg.Search.EngineID)
		if err != nil {
			d.Close()
			return nil, err
		}
		searchProvider = gs
	} else {
		log.Info("live search not configured")
	}
	search := usecase.NewSearchAugmenter(searchProvider, cache, metrics, usecase.SearchConfig{
		MaxResults:       cfg.Search.MaxResults,
		CacheTTL:         cfg.Search.CacheTTL,
		RateLimitRetries: cfg.Search.Retries,
		Cooldown:         cfg.Search.Cooldown,
		Jitter:           time.Second,
		CallTimeout:      cfg.Search.CallTimeout,
	}, usecase.WithSearchLogger(log), usecase.WithSearchTelemetry(telemetry))

	opts := []usecase.OrchestratorOption{
		usecase.WithSearchAugmenter(search),
		usecase.WithOrchestratorLogger(log),
		usecase.WithOrchestratorTelemetry(telemetry),
	}

	switch cfg.Data.Source {
	case "sheets":
		parts, err := cfg.Partitions()
		if err != nil {
			d.Close()
			return nil, err
		}
		sheetParts := make([]store.SheetPartition, len(parts))
		for i, p := range parts {
			sheetParts[i] = store.SheetPartition{Name: p.Name, SpreadsheetID: p.ID}
		}
		var sheetOpts []option.ClientOption
		if cfg.Data.CredentialsFile != "" {
			sheetOpts = append(sheetOpts, option.WithCredentialsFile(cfg.Data.CredentialsFile))
		}
		ss, err := store.NewSheetsStore(ctx, sheetParts, sheetOpts...)
		if err != nil {
			d.Close()
			return nil, err
		}
		agg := usecase.NewContextAggregator(usecase.NewTabularSource(ss), cache, cfg.Data.CacheTTL, log)
		opts = append(opts, usecase.WithContextAggregator(agg))

	case "sql":
		sq, err := store.NewSQLStore(cfg.Data.SQLName, cfg.Data.SQLDSN)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, sq.Close)
		agg := usecase.NewContextAggregator(usecase.NewRelationalSource(sq), cache, cfg.Data.CacheTTL, log)
		opts = append(opts, usecase.WithContextAggregator(agg))
		if !cfg.Data.DisableStructured {
			opts = append(opts, usecase.WithStructuredQuerier(usecase.NewStructuredQuerier(sq, cfg.LLM.CallTimeout, log)))
		}
	}

	d.orchestrator = usecase.NewOrchestrator(primary, secondary, resilient, usecase.OrchestratorConfig{
		SearchEnabled:    !cfg.Search.Disabled,
		MaxSearchResults: cfg.Search.MaxResults,
		MaxHistoryTurns:  cfg.LLM.HistoryTurns,
	}, opts...)

	log.Info("orchestrator ready",
		zap.String("primary", string(primary.Name())),
		zap.Bool("secondary", secondary != nil),
		zap.String("data_source", cfg.Data.Source),
		zap.String("cache", cfg.Cache.Backend),
	)
	return d, nil
}

func buildCache(ctx context.Context, cfg *config.Config, d *deps) (repository.Cache, repository.MetricsStore, error) {
	if cfg.Cache.Backend != "redis" {
		return store.NewMemoryCache(), store.NewMemoryMetrics(), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	d.closers = append(d.closers, rdb.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return store.NewRedisCache(rdb, cfg.Cache.Namespace), store.NewRedisMetrics(rdb), nil
}

// buildProviders orders the two providers by preference. A provider
// without a key is left out of the fallback slot.
func buildProviders(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.Provider, repository.Provider, error) {
	gemini, err := client.NewGeminiProvider(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
	if err != nil {
		return nil, nil, err
	}
	openai := client.NewOpenAIProvider(client.OpenAIConfig{
		APIKey:            cfg.OpenAI.APIKey,
		Model:             cfg.OpenAI.Model,
		BaseURL:           cfg.OpenAI.BaseURL,
		RequestsPerSecond: cfg.OpenAI.RPS,
	})

	var primary, secondary repository.Provider = gemini, openai
	secondaryKey := cfg.OpenAI.APIKey
	if cfg.LLM.Primary == "openai" {
		primary, secondary = openai, gemini
		secondaryKey = cfg.Gemini.APIKey
	}
	if secondaryKey == "" {
		log.Warn("fallback provider has no API key, running without fallback",
			zap.String("provider", string(secondary.Name())))
		secondary = nil
	}
	return primary, secondary, nil
}
