package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/pipeline"
	"github.com/sells-group/enrich-cli/internal/provider"
	"github.com/sells-group/enrich-cli/internal/queue"
	"github.com/sells-group/enrich-cli/internal/resilience"
	anthropicpkg "github.com/sells-group/enrich-cli/pkg/anthropic"
	"github.com/sells-group/enrich-cli/pkg/firecrawl"
	"github.com/sells-group/enrich-cli/pkg/jina"
	"github.com/sells-group/enrich-cli/pkg/perplexity"
)

// enrichEnv holds the initialized cache, queue, registry, pipeline, and
// stage set needed by the enrich/batch/serve commands.
type enrichEnv struct {
	Cache    *cache.ProfileCache
	Queue    *queue.Queue
	Registry *provider.Registry
	Breakers *resilience.Breakers
	Pipeline *pipeline.Pipeline
	Stages   []pipeline.Stage
}

// Close releases resources held by the environment.
func (e *enrichEnv) Close() {
	if e.Queue != nil {
		e.Queue.Close()
	}
	if e.Cache != nil {
		_ = e.Cache.Close()
	}
}

// initCacheBackend opens the configured cache backend.
func initCacheBackend(ctx context.Context) (cache.Backend, error) {
	switch cfg.Cache.Driver {
	case "memory":
		return cache.NewMemory(), nil
	case "sqlite":
		b, err := cache.NewSQLite(cfg.Cache.Path)
		if err != nil {
			return nil, eris.Wrap(err, "open sqlite cache")
		}
		return b, nil
	case "postgres":
		b, err := cache.NewPostgres(ctx, cfg.Cache.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "open postgres cache")
		}
		return b, nil
	default:
		return nil, eris.Errorf("unknown cache driver %q", cfg.Cache.Driver)
	}
}

// initCache builds the profile cache for the configured backend driver.
func initCache(ctx context.Context) (*cache.ProfileCache, error) {
	backend, err := initCacheBackend(ctx)
	if err != nil {
		return nil, err
	}
	return cache.New(backend, cache.Config{
		TTL:      cfg.Cache.TTL,
		Capacity: cfg.Cache.Capacity,
	}), nil
}

// initEnrichment validates config for the given mode, then sets up the
// cache, queue, provider registry, stage set, and pipeline. Callers should
// defer env.Close().
func initEnrichment(ctx context.Context, mode string) (*enrichEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	c, err := initCache(ctx)
	if err != nil {
		return nil, err
	}

	breakers := resilience.NewBreakers(resilience.BreakerConfig{})
	q := queue.New(queue.Options{
		Budgets:            cfg.Services,
		PollInterval:       cfg.Queue.PollInterval,
		DefaultMaxAttempts: cfg.Queue.MaxAttempts,
		RequeueBase:        cfg.Queue.RequeueBase,
		Breakers:           breakers,
	})

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	reg := provider.NewRegistry()
	reg.RegisterCompletion(anthropicpkg.NewAdapter(anthropicClient, cfg.Anthropic.Model,
		anthropicpkg.WithMaxSearchUses(cfg.Anthropic.MaxSearchUses)))
	// The "haiku" name is a registry routing label: fallback completions run
	// inline in the primary's dispatched slot, charged to the primary's
	// budget, so no separate service budget applies to it.
	reg.RegisterCompletion(anthropicpkg.NewAdapter(anthropicClient, cfg.Anthropic.FallbackModel,
		anthropicpkg.WithName("haiku"),
		anthropicpkg.WithMaxSearchUses(cfg.Anthropic.MaxSearchUses)))

	if cfg.Perplexity.Key != "" {
		reg.RegisterCompletion(perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model)))
	} else {
		zap.L().Debug("ENRICH_PERPLEXITY_KEY not set, perplexity provider disabled")
	}

	if cfg.Jina.Key != "" {
		jinaOpts := []jina.Option{jina.WithBaseURL(cfg.Jina.BaseURL)}
		if cfg.Jina.SearchBaseURL != "" {
			jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
		}
		reg.RegisterFetcher(jina.NewClient(cfg.Jina.Key, jinaOpts...))
	}
	if cfg.Firecrawl.Key != "" {
		reg.RegisterFetcher(firecrawl.NewClient(cfg.Firecrawl.Key,
			firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL)))
	}

	for service, fallback := range cfg.Fallbacks {
		reg.SetFallback(service, fallback)
	}

	stages, err := loadStages()
	if err != nil {
		q.Close()
		_ = c.Close()
		return nil, err
	}

	p := pipeline.New(q, c, reg, pipeline.Options{
		InterStageCooldown: cfg.Pipeline.InterStageCooldown,
		MaxStageAttempts:   cfg.Pipeline.MaxStageAttempts,
	})

	zap.L().Info("enrichment environment ready",
		zap.String("cache_driver", cfg.Cache.Driver),
		zap.Int("stages", len(stages)),
	)

	return &enrichEnv{
		Cache:    c,
		Queue:    q,
		Registry: reg,
		Breakers: breakers,
		Pipeline: p,
		Stages:   stages,
	}, nil
}

// loadStages resolves the configured stage set, falling back to the
// built-in defaults when no stages file is configured.
func loadStages() ([]pipeline.Stage, error) {
	if cfg.Pipeline.StagesFile == "" {
		return pipeline.DefaultStages(), nil
	}

	sets, err := pipeline.LoadStageSets(cfg.Pipeline.StagesFile)
	if err != nil {
		return nil, eris.Wrap(err, "load stages file")
	}
	stages, ok := sets[cfg.Pipeline.StageSet]
	if !ok {
		return nil, eris.Errorf("stage set %q not found in %s", cfg.Pipeline.StageSet, cfg.Pipeline.StagesFile)
	}
	return stages, nil
}
