package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/opencouncil/spendsync/internal/aggregate"
	"github.com/opencouncil/spendsync/internal/fetcher"
	"github.com/opencouncil/spendsync/internal/ingest"
	"github.com/opencouncil/spendsync/internal/pipeline"
	"github.com/opencouncil/spendsync/internal/schema"
	"github.com/opencouncil/spendsync/internal/stages"
	"github.com/opencouncil/spendsync/internal/store"
	"github.com/opencouncil/spendsync/pkg/companies"
	"github.com/opencouncil/spendsync/pkg/llm"
	"github.com/opencouncil/spendsync/pkg/websearch"
)

// appEnv holds the initialized store and orchestrator shared by the run, org,
// and serve commands.
type appEnv struct {
	Store store.Store
	Orch  *pipeline.Orchestrator
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "spendsync.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, all API clients, and the orchestrator with both
// pipelines registered. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	// All outbound traffic, SDK calls included, routes through the fetcher so
	// per-host spacing holds across stages.
	fc := fetcher.New(fetcher.Options{
		UserAgent:    cfg.Fetcher.UserAgent,
		Timeout:      cfg.Fetcher.Timeout(),
		MaxRetries:   cfg.Fetcher.MaxRetries,
		DefaultDelay: cfg.Fetcher.DefaultDelay(),
	})
	std := fc.StdClient()

	searchClient := websearch.NewClient(cfg.Search.Key,
		websearch.WithBaseURL(cfg.Search.BaseURL),
		websearch.WithHTTPClient(std))
	companiesClient := companies.NewClient(cfg.Companies.Key,
		companies.WithBaseURL(cfg.Companies.BaseURL),
		companies.WithHTTPClient(std))
	llmClient := llm.NewClient(cfg.Anthropic.Key, llm.WithHTTPClient(std))

	classifier := schema.NewLLMClassifier(llmClient, cfg.Anthropic.Model)
	classifier.SetMaxTokens(cfg.Anthropic.MaxTokens)
	resolver, err := schema.NewResolver(st, classifier)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init schema resolver")
	}

	deps := stages.Deps{
		Store:         st,
		Fetch:         fc,
		Search:        searchClient,
		Companies:     companiesClient,
		Ingestor:      ingest.New(fc, resolver, st, cfg.CategoryRules()),
		Aggregator:    aggregate.New(st, st, cfg.Aggregate),
		BatchSize:     cfg.Pipeline.BatchSize,
		MinMatchScore: cfg.Companies.MinMatchScore,
	}

	orch := pipeline.New(st)
	orch.Register(stages.PipelineEnrich, stages.Enrich(deps)...)
	orch.Register(stages.PipelineIngest, stages.Ingest(deps)...)

	return &appEnv{Store: st, Orch: orch}, nil
}
