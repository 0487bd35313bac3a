package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/recall/internal/config"
	"github.com/antoniostano/recall/internal/httpapi"
	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/pipeline"
	"github.com/antoniostano/recall/internal/session"
)

// Deps are the pluggable backends. Nil fields get local defaults: the
// rule-based scorer and the deterministic generator/embedder, which
// make the service fully functional without external services.
type Deps struct {
	Scorer    memory.Scorer
	Generator pipeline.Generator
	Embedder  memory.Embedder
}

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Manager
	Service    *pipeline.Service
	Store      memory.Store
	Backfiller *memory.Backfiller
	Metrics    *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, deps Deps) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	vectors := memory.NewChromemStore()

	embedder := deps.Embedder
	if embedder == nil {
		embedder = memory.NewLocalEmbedder(cfg.EmbeddingDim)
	}
	scorer := deps.Scorer
	if scorer == nil {
		scorer = memory.NewHeuristicScorer()
	}
	generator := deps.Generator
	if generator == nil {
		generator = pipeline.NewLocalGenerator()
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	classifier := memory.NewClassifier(scorer, cfg.ClassifyTimeout, metrics)
	coordinator := memory.NewCoordinator(store, vectors, embedder, cfg.StoreRetryBackoff, metrics)
	engine := memory.NewEngine(store, vectors, embedder, cfg.RecentWindow, cfg.RetrieveTimeout, metrics)
	backfiller := memory.NewBackfiller(store, vectors, embedder, cfg.BackfillInterval, metrics)

	service := pipeline.New(sessions, store, classifier, coordinator, engine,
		generator, cfg.MaxResults, cfg.ContextMaxChars, cfg.GenerateTimeout, metrics)

	api := httpapi.New(cfg, sessions, service, store, metrics)

	cleanup := func() error {
		var errs []string
		if err := vectors.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Sessions:   sessions,
		Service:    service,
		Store:      store,
		Backfiller: backfiller,
		Metrics:    metrics,
		Cleanup:    cleanup,
	}, nil
}

// Start launches the background loops owned by the build: the session
// janitor and the embedding backfill sweep.
func (b *BuildResult) Start(ctx context.Context) {
	b.Sessions.StartJanitor(ctx, 5*time.Second)
	b.Backfiller.Start(ctx)
}
