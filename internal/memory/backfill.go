package memory

import (
	"context"
	"time"

	"github.com/antoniostano/recall/internal/observability"
)

// Backfiller repairs degraded facts: rows whose embedding write failed
// on the hot path get re-embedded and re-indexed on a background
// sweep, restoring semantic retrieval for them.
type Backfiller struct {
	store    Store
	vectors  VectorStore
	embedder Embedder
	metrics  *observability.Metrics
	interval time.Duration
	batch    int
}

func NewBackfiller(store Store, vectors VectorStore, embedder Embedder, interval time.Duration, metrics *observability.Metrics) *Backfiller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Backfiller{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		metrics:  metrics,
		interval: interval,
		batch:    100,
	}
}

// Start runs the sweep on a ticker until ctx is cancelled.
func (b *Backfiller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Sweep(ctx)
			}
		}
	}()
}

// Sweep repairs one batch of degraded facts and reports how many were
// restored. A fact that fails again is left for the next sweep.
func (b *Backfiller) Sweep(ctx context.Context) int {
	facts, err := b.store.FactsWithoutEmbedding(ctx, b.batch)
	if err != nil {
		if b.metrics != nil {
			b.metrics.StoreFailures.WithLabelValues("facts", "list_degraded").Inc()
		}
		return 0
	}

	repaired := 0
	for _, fact := range facts {
		if ctx.Err() != nil {
			return repaired
		}
		vec, err := b.embedder.Embed(ctx, fact.Content)
		if err != nil {
			continue
		}
		embeddingID := "fact_" + fact.ID
		rec := EmbeddingRecord{
			ID:         embeddingID,
			FactID:     fact.ID,
			UserID:     fact.UserID,
			Content:    fact.Content,
			Category:   fact.Category,
			Importance: fact.ImportanceScore,
			CreatedAt:  fact.CreatedAt,
			Vector:     vec,
		}
		if err := b.vectors.Add(ctx, rec); err != nil {
			continue
		}
		if err := b.store.SetFactEmbedding(ctx, fact.ID, embeddingID); err != nil {
			if b.metrics != nil {
				b.metrics.StoreFailures.WithLabelValues("facts", "set_embedding").Inc()
			}
			continue
		}
		repaired++
		if b.metrics != nil {
			b.metrics.BackfilledFacts.Inc()
		}
	}
	return repaired
}
