package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/reliability"
)

const userLockStripes = 64

// Coordinator owns the write path: it logs the turn, promotes factual
// turns into deduplicated facts, and runs the two-phase fact+embedding
// write. The structured store is always written first; a fact whose
// embedding write fails stays queryable by keyword until the backfill
// sweep repairs it.
type Coordinator struct {
	store    Store
	vectors  VectorStore
	embedder Embedder
	metrics  *observability.Metrics

	retryBackoff time.Duration

	// Striped per-user locks serialize hash-then-insert so two
	// concurrent turns carrying the same fact race inside the store's
	// conflict handling, not past it.
	userLocks [userLockStripes]sync.Mutex
}

func NewCoordinator(store Store, vectors VectorStore, embedder Embedder, retryBackoff time.Duration, metrics *observability.Metrics) *Coordinator {
	if retryBackoff <= 0 {
		retryBackoff = 50 * time.Millisecond
	}
	return &Coordinator{
		store:        store,
		vectors:      vectors,
		embedder:     embedder,
		retryBackoff: retryBackoff,
		metrics:      metrics,
	}
}

// PersistOutcome reports what one turn write actually produced.
type PersistOutcome struct {
	Turn              ConversationTurn
	Tier              Tier
	TurnLogged        bool
	Fact              *Fact
	AlreadyKnown      bool
	EmbeddingDegraded bool
}

// Persist writes one classified turn. An ErrTurnOrder from the store
// is the only error returned to the caller; every other fault is
// absorbed into the outcome and surfaced through metrics.
func (c *Coordinator) Persist(ctx context.Context, turn ConversationTurn, cls Classification) (PersistOutcome, error) {
	outcome := PersistOutcome{Turn: turn, Tier: cls.Tier}

	logged, err := c.logTurn(ctx, turn)
	if err != nil {
		return outcome, err
	}
	outcome.TurnLogged = logged
	if !logged {
		// Turn log failed after retries. Nothing to promote: a fact
		// must reference a persisted conversation row.
		return outcome, nil
	}

	if cls.Tier != TierFactual {
		return outcome, nil
	}

	fact, created, err := c.promoteFact(ctx, turn, cls)
	if err != nil {
		c.storeFailure("facts", "insert")
		return outcome, nil
	}
	outcome.Fact = &fact
	outcome.AlreadyKnown = !created
	if !created {
		if c.metrics != nil {
			c.metrics.DuplicateFacts.Inc()
		}
		return outcome, nil
	}
	if c.metrics != nil {
		c.metrics.FactsPersisted.Inc()
	}

	if err := c.indexFact(ctx, &fact); err != nil {
		outcome.EmbeddingDegraded = true
		outcome.Fact = &fact
		if c.metrics != nil {
			c.metrics.DegradedFacts.Inc()
			c.metrics.ObserveIndicator("embedding_degraded")
		}
	}
	return outcome, nil
}

// logTurn reports whether the turn row landed. ErrTurnOrder is the
// only error it returns; any other store fault after retries comes
// back as logged=false.
func (c *Coordinator) logTurn(ctx context.Context, turn ConversationTurn) (bool, error) {
	var orderErr error
	err := reliability.Retry(ctx, 2, c.retryBackoff, c.retryBackoff*8, func() error {
		_, err := c.store.InsertTurn(ctx, turn)
		if errors.Is(err, ErrTurnOrder) {
			orderErr = err
			return nil // not retryable, surfaced below
		}
		return err
	})
	if orderErr != nil {
		return false, orderErr
	}
	if err != nil {
		c.storeFailure("turns", "insert")
		return false, nil
	}
	if c.metrics != nil {
		c.metrics.TurnsPersisted.Inc()
	}
	return true, nil
}

func (c *Coordinator) promoteFact(ctx context.Context, turn ConversationTurn, cls Classification) (Fact, bool, error) {
	lock := &c.userLocks[stripeFor(turn.UserID)]
	lock.Lock()
	defer lock.Unlock()

	fact := Fact{
		UserID:          turn.UserID,
		Content:         turn.UserInput,
		ContentHash:     HashContent(turn.UserInput),
		Category:        cls.FactCategory,
		ImportanceScore: cls.ImportanceScore,
		ConversationID:  turn.ID,
	}
	return c.store.InsertFact(ctx, fact)
}

// indexFact runs phase two of a fact write: embed, add to the vector
// index, then record the handle on the fact row.
func (c *Coordinator) indexFact(ctx context.Context, fact *Fact) error {
	vec, err := c.embedder.Embed(ctx, fact.Content)
	if err != nil {
		return fmt.Errorf("embed fact %s: %w", fact.ID, err)
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
	if err := c.vectors.Add(ctx, rec); err != nil {
		return fmt.Errorf("index fact %s: %w", fact.ID, err)
	}

	if err := c.store.SetFactEmbedding(ctx, fact.ID, embeddingID); err != nil {
		// The vector exists but the row does not know it; the backfill
		// sweep re-adds idempotently and repairs the handle.
		c.storeFailure("facts", "set_embedding")
		return err
	}
	fact.EmbeddingID = embeddingID
	return nil
}

// DeleteFact tombstones a fact and evicts its embedding. The eviction
// is retried with backoff; if it still fails, the stale vector can no
// longer be served because retrieval drops semantic hits whose fact
// row is tombstoned.
func (c *Coordinator) DeleteFact(ctx context.Context, factID string) (Fact, error) {
	fact, err := c.store.SoftDeleteFact(ctx, factID)
	if err != nil {
		return Fact{}, err
	}
	if fact.EmbeddingID != "" {
		err := reliability.Retry(ctx, 2, c.retryBackoff, c.retryBackoff*8, func() error {
			return c.vectors.Delete(ctx, fact.UserID, fact.EmbeddingID)
		})
		if err != nil {
			c.storeFailure("vectors", "delete")
		}
	}
	return fact, nil
}

// PurgeFact removes the row entirely. The embedding goes first so a
// crash between the two deletes leaves a dangling row, which purge can
// retry, instead of a dangling vector, which nothing would ever clean.
func (c *Coordinator) PurgeFact(ctx context.Context, factID string) error {
	fact, err := c.store.GetFact(ctx, factID)
	if err == nil && fact.EmbeddingID != "" {
		if err := c.vectors.Delete(ctx, fact.UserID, fact.EmbeddingID); err != nil {
			c.storeFailure("vectors", "delete")
			return fmt.Errorf("purge fact %s: %w", factID, err)
		}
	}
	return c.store.PurgeFact(ctx, factID)
}

func (c *Coordinator) storeFailure(store, op string) {
	if c.metrics != nil {
		c.metrics.StoreFailures.WithLabelValues(store, op).Inc()
	}
}

func stripeFor(userID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return h.Sum32() % userLockStripes
}
