package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/grumble-app/feedback-sync/internal/config"
	"github.com/grumble-app/feedback-sync/internal/enrich"
	"github.com/grumble-app/feedback-sync/internal/grouping"
	"github.com/grumble-app/feedback-sync/internal/pipeline"
	"github.com/grumble-app/feedback-sync/internal/resilience"
	"github.com/grumble-app/feedback-sync/internal/source"
	"github.com/grumble-app/feedback-sync/internal/store"
	"github.com/grumble-app/feedback-sync/pkg/anthropic"
	"github.com/grumble-app/feedback-sync/pkg/discourse"
	"github.com/grumble-app/feedback-sync/pkg/twitter"
)

// backend is the combined persistence surface; both drivers provide it.
type backend interface {
	store.Store
	store.Locker
}

func newBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	storeCfg := store.Config{
		Driver:      cfg.Store.Driver,
		DSN:         cfg.Store.DatabaseURL,
		UpsertBatch: cfg.Sync.UpsertBatch,
	}
	switch cfg.Store.Driver {
	case "postgres", "":
		return store.NewPostgres(ctx, storeCfg)
	case "sqlite":
		return store.NewSQLite(storeCfg)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func retryPolicy(cfg *config.Config) resilience.Policy {
	p := resilience.DefaultPolicy()
	if cfg.Sync.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Sync.MaxAttempts
	}
	return p
}

// newSyncer wires one Syncer from config. Sources without credentials are
// left out; their enabled flags in the store then have nothing to act on.
func newSyncer(cfg *config.Config, st backend) *pipeline.Syncer {
	retry := retryPolicy(cfg)

	var fetchers []source.Fetcher
	if cfg.Twitter.BearerToken != "" {
		fetchers = append(fetchers, source.NewTwitter(twitter.NewClient(cfg.Twitter.BearerToken), retry))
	}
	if cfg.GitHub.Token != "" {
		fetchers = append(fetchers, source.NewGitHub(cfg.GitHub.Token, retry))
	}
	fetchers = append(fetchers, source.NewDiscourse(discourse.NewClient(), retry))

	client := anthropic.NewClient(cfg.Anthropic.Key)
	analyzer := enrich.NewAnalyzer(client, enrich.Options{
		Model:             cfg.Anthropic.Model,
		BatchSize:         cfg.Sync.AnalyzeBatch,
		Languages:         cfg.Sync.Languages,
		CallTimeout:       cfg.Sync.CallTimeout,
		MaxTokens:         cfg.Anthropic.MaxTokens,
		Retry:             retry,
		RequestsPerSecond: cfg.Anthropic.RPS,
	})
	grouper := grouping.NewEngine(client, grouping.Options{
		Model:       cfg.Anthropic.Model,
		Window:      cfg.Sync.GroupingWindow,
		CallTimeout: cfg.Sync.CallTimeout,
		MaxTokens:   cfg.Anthropic.MaxTokens,
		Retry:       retry,
	})

	return pipeline.New(st, st, fetchers, analyzer, grouper, cfg.Sync.LockTTL)
}
