package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

type failingEmbedder struct {
	inner *LocalEmbedder
	fail  bool
}

func (e *failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedding service unavailable")
	}
	return e.inner.Embed(ctx, text)
}

func (e *failingEmbedder) Dimensions() int { return e.inner.Dimensions() }

type failingVectors struct {
	inner       VectorStore
	fail        bool
	deleteCalls int
}

func (v *failingVectors) Add(ctx context.Context, rec EmbeddingRecord) error {
	if v.fail {
		return errors.New("vector index unavailable")
	}
	return v.inner.Add(ctx, rec)
}

func (v *failingVectors) Query(ctx context.Context, userID string, vec []float32, limit int) ([]SemanticMatch, error) {
	if v.fail {
		return nil, errors.New("vector index unavailable")
	}
	return v.inner.Query(ctx, userID, vec, limit)
}

func (v *failingVectors) Delete(ctx context.Context, userID, embeddingID string) error {
	v.deleteCalls++
	if v.fail {
		return errors.New("vector index unavailable")
	}
	return v.inner.Delete(ctx, userID, embeddingID)
}

func (v *failingVectors) Close() error { return nil }

func newTestCoordinator() (*Coordinator, *InMemoryStore, *ChromemStore, *failingEmbedder, *failingVectors) {
	store := NewInMemoryStore()
	chromem := NewChromemStore()
	embedder := &failingEmbedder{inner: NewLocalEmbedder(64)}
	vectors := &failingVectors{inner: chromem}
	coord := NewCoordinator(store, vectors, embedder, time.Millisecond, nil)
	return coord, store, chromem, embedder, vectors
}

func factualTurn(sessionID string, turnNo int64, input string) ConversationTurn {
	return ConversationTurn{
		SessionID:         sessionID,
		UserID:            "alice",
		TurnNo:            turnNo,
		UserInput:         input,
		AssistantResponse: "Noted.",
	}
}

var factualCls = Classification{Tier: TierFactual, ImportanceScore: 0.9, FactCategory: CategoryPersonal}

func TestPersistFactualTurnWritesBothPhases(t *testing.T) {
	coord, store, chromem, embedder, _ := newTestCoordinator()
	ctx := context.Background()

	outcome, err := coord.Persist(ctx, factualTurn("sess", 1, "My name is Alice"), factualCls)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if !outcome.TurnLogged {
		t.Fatalf("turn should be logged")
	}
	if outcome.Fact == nil {
		t.Fatalf("factual turn should produce a fact")
	}
	if outcome.AlreadyKnown || outcome.EmbeddingDegraded {
		t.Fatalf("outcome = %+v, want fresh fully-indexed fact", outcome)
	}
	if outcome.Fact.EmbeddingID != "fact_"+outcome.Fact.ID {
		t.Fatalf("EmbeddingID = %q, want fact_%s", outcome.Fact.EmbeddingID, outcome.Fact.ID)
	}

	stored, err := store.GetFact(ctx, outcome.Fact.ID)
	if err != nil {
		t.Fatalf("GetFact() error = %v", err)
	}
	if stored.Degraded() {
		t.Fatalf("stored fact should carry its embedding handle")
	}

	vec, err := embedder.Embed(ctx, "My name is Alice")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	matches, err := chromem.Query(ctx, "alice", vec, 5)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 1 || matches[0].FactID != outcome.Fact.ID {
		t.Fatalf("vector index matches = %+v, want the persisted fact", matches)
	}
}

func TestPersistDuplicateFactIsIdempotent(t *testing.T) {
	coord, _, _, _, _ := newTestCoordinator()
	ctx := context.Background()

	first, err := coord.Persist(ctx, factualTurn("sess", 1, "My name is Alice"), factualCls)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	second, err := coord.Persist(ctx, factualTurn("sess", 2, "my name is alice"), factualCls)
	if err != nil {
		t.Fatalf("Persist(dup) error = %v", err)
	}
	if !second.AlreadyKnown {
		t.Fatalf("second persist should report the fact as already known")
	}
	if second.Fact.ID != first.Fact.ID {
		t.Fatalf("duplicate fact ID = %q, want %q", second.Fact.ID, first.Fact.ID)
	}
	if !second.TurnLogged {
		t.Fatalf("the turn itself must still be logged")
	}
}

func TestPersistReturnsTurnOrderViolation(t *testing.T) {
	coord, _, _, _, _ := newTestCoordinator()
	ctx := context.Background()

	if _, err := coord.Persist(ctx, factualTurn("sess", 2, "My name is Alice"), factualCls); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	_, err := coord.Persist(ctx, factualTurn("sess", 1, "I live in Turin"), factualCls)
	if !errors.Is(err, ErrTurnOrder) {
		t.Fatalf("Persist(out of order) error = %v, want ErrTurnOrder", err)
	}
}

func TestPersistConversationalSkipsPromotion(t *testing.T) {
	coord, store, _, _, _ := newTestCoordinator()
	ctx := context.Background()

	outcome, err := coord.Persist(ctx, factualTurn("sess", 1, "tell me a joke"),
		Classification{Tier: TierConversational, ImportanceScore: 0.3})
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if !outcome.TurnLogged {
		t.Fatalf("conversational turn should still be logged")
	}
	if outcome.Fact != nil {
		t.Fatalf("conversational turn must not produce a fact")
	}

	stats, _ := store.Stats(ctx)
	if stats.Turns != 1 || stats.Facts != 0 {
		t.Fatalf("Stats() = %+v, want 1 turn / 0 facts", stats)
	}
}

func TestPersistDegradesWhenEmbeddingFails(t *testing.T) {
	coord, store, _, embedder, _ := newTestCoordinator()
	ctx := context.Background()
	embedder.fail = true

	outcome, err := coord.Persist(ctx, factualTurn("sess", 1, "My name is Alice"), factualCls)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if !outcome.EmbeddingDegraded {
		t.Fatalf("outcome should report the degraded embedding")
	}
	if outcome.Fact == nil || outcome.Fact.EmbeddingID != "" {
		t.Fatalf("degraded fact must persist without an embedding handle, got %+v", outcome.Fact)
	}

	// Still reachable by keyword search.
	matches, err := store.SearchFacts(ctx, "alice", "alice name", 5)
	if err != nil {
		t.Fatalf("SearchFacts() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("SearchFacts() len = %d, want 1", len(matches))
	}
}

func TestBackfillRepairsDegradedFacts(t *testing.T) {
	coord, store, chromem, embedder, vectors := newTestCoordinator()
	ctx := context.Background()

	embedder.fail = true
	outcome, err := coord.Persist(ctx, factualTurn("sess", 1, "My name is Alice"), factualCls)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if !outcome.EmbeddingDegraded {
		t.Fatalf("setup should produce a degraded fact")
	}

	embedder.fail = false
	b := NewBackfiller(store, vectors, embedder, time.Minute, nil)
	if repaired := b.Sweep(ctx); repaired != 1 {
		t.Fatalf("Sweep() = %d, want 1", repaired)
	}

	fact, err := store.GetFact(ctx, outcome.Fact.ID)
	if err != nil {
		t.Fatalf("GetFact() error = %v", err)
	}
	if fact.Degraded() {
		t.Fatalf("fact should be repaired after the sweep")
	}

	vec, _ := embedder.Embed(ctx, "My name is Alice")
	matches, err := chromem.Query(ctx, "alice", vec, 5)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("vector index should hold the repaired fact, got %d matches", len(matches))
	}

	// Nothing left to repair.
	if repaired := b.Sweep(ctx); repaired != 0 {
		t.Fatalf("second Sweep() = %d, want 0", repaired)
	}
}

func TestDeleteFactRetriesEvictionWhenVectorsDown(t *testing.T) {
	coord, store, _, _, vectors := newTestCoordinator()
	ctx := context.Background()

	outcome, err := coord.Persist(ctx, factualTurn("sess", 1, "My name is Alice"), factualCls)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	vectors.fail = true
	vectors.deleteCalls = 0
	fact, err := coord.DeleteFact(ctx, outcome.Fact.ID)
	if err != nil {
		t.Fatalf("DeleteFact() error = %v, the tombstone must land regardless", err)
	}
	if fact.DeletedAt == nil {
		t.Fatalf("fact should be tombstoned")
	}
	if vectors.deleteCalls != 2 {
		t.Fatalf("eviction attempts = %d, want 2", vectors.deleteCalls)
	}
	if _, err := store.GetFact(ctx, outcome.Fact.ID); !errors.Is(err, ErrFactNotFound) {
		t.Fatalf("GetFact(deleted) error = %v, want ErrFactNotFound", err)
	}
}

func TestDeleteFactEvictsEmbedding(t *testing.T) {
	coord, store, chromem, embedder, _ := newTestCoordinator()
	ctx := context.Background()

	outcome, err := coord.Persist(ctx, factualTurn("sess", 1, "My name is Alice"), factualCls)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	if _, err := coord.DeleteFact(ctx, outcome.Fact.ID); err != nil {
		t.Fatalf("DeleteFact() error = %v", err)
	}
	if _, err := store.GetFact(ctx, outcome.Fact.ID); !errors.Is(err, ErrFactNotFound) {
		t.Fatalf("GetFact(deleted) error = %v, want ErrFactNotFound", err)
	}

	vec, _ := embedder.Embed(ctx, "My name is Alice")
	matches, err := chromem.Query(ctx, "alice", vec, 5)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("vector index should be empty after delete, got %d matches", len(matches))
	}
}
