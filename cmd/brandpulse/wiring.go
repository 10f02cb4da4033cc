package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jonathan/brandpulse/internal/brand"
	"github.com/jonathan/brandpulse/internal/config"
	"github.com/jonathan/brandpulse/internal/db"
	"github.com/jonathan/brandpulse/internal/dispatcher"
	"github.com/jonathan/brandpulse/internal/queue"
	"github.com/jonathan/brandpulse/internal/types"
)

// openDB connects to Postgres using the configured URL.
func openDB(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}

// openQueue connects to Redis and wraps it in the reliable queue.
func openQueue(ctx context.Context, cfg *config.Config) (*queue.RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return queue.NewRedis(client, cfg.LeaseTTL), nil
}

// newDispatcher wires the dispatcher from config.
func newDispatcher(database *db.DB, q queue.Queue, cfg *config.Config) *dispatcher.Dispatcher {
	return dispatcher.New(database, q, dispatcher.Config{
		Policy:      dispatcher.Policy(cfg.DedupePolicy),
		Window:      cfg.DedupeWindow,
		OrphanGrace: cfg.OrphanGrace,
	})
}

// loadBrand resolves the configured brand from the YAML repository.
func loadBrand(cfg *config.Config) (*brand.Brand, *brand.Repo, error) {
	if err := cfg.RequireBrand(); err != nil {
		return nil, nil, err
	}
	repo := brand.NewRepo(cfg.BrandRepoPath)
	b, err := repo.FindBrand(cfg.BrandID)
	if err != nil {
		return nil, nil, err
	}
	if b == nil {
		return nil, nil, fmt.Errorf("brand %q not found in %s", cfg.BrandID, cfg.BrandRepoPath)
	}
	return b, repo, nil
}

// buildTargets resolves the search targets for a run: the explicit search
// config file when present, otherwise queries generated from brand keywords.
func buildTargets(cfg *config.Config, b *brand.Brand) ([]types.Target, error) {
	if cfg.SearchConfigPath != "" {
		sc, err := config.LoadSearchConfig(cfg.SearchConfigPath)
		if err != nil {
			return nil, err
		}
		if targets := sc.Targets(); len(targets) > 0 {
			return targets, nil
		}
	}

	terms := brand.GenerateSearchTerms(b.AllKeywords(), 5)
	if len(terms) == 0 {
		return nil, fmt.Errorf("brand %q has no keywords to search with", b.ID)
	}
	targets := make([]types.Target, len(terms))
	for i, term := range terms {
		targets[i] = types.Target{Query: term, TaskType: types.TaskBrandHealth}
	}
	return targets, nil
}
