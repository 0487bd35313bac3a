package memory

import (
	"context"
	"strings"
)

// Store is the structured system of record for turns and facts. It is
// the authority on turn ordering and fact dedup; the vector index is
// rebuilt from it, never the other way around.
type Store interface {
	// InsertTurn appends one exchange. It fails with ErrTurnOrder when
	// turn.TurnNo is not strictly greater than every turn already
	// persisted for the session.
	InsertTurn(ctx context.Context, turn ConversationTurn) (ConversationTurn, error)

	// LastTurnNo reports the highest persisted turn_no for a session,
	// 0 when the session has no turns.
	LastTurnNo(ctx context.Context, sessionID string) (int64, error)

	// RecentTurns returns the last limit non-deleted turns of one
	// session in chronological order.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]ConversationTurn, error)

	// InsertFact stores a fact unless a live fact with the same
	// (user_id, content_hash) already exists; created reports whether
	// the returned fact is new.
	InsertFact(ctx context.Context, fact Fact) (Fact, bool, error)

	GetFact(ctx context.Context, factID string) (Fact, error)

	// SetFactEmbedding records the vector-index handle after the
	// second phase of a fact write succeeds.
	SetFactEmbedding(ctx context.Context, factID, embeddingID string) error

	// SearchFacts runs a lexical search over one user's live facts.
	SearchFacts(ctx context.Context, userID, query string, limit int) ([]FactMatch, error)

	// FactsWithoutEmbedding lists live facts still waiting for an
	// embedding, oldest first, for the backfill sweep.
	FactsWithoutEmbedding(ctx context.Context, limit int) ([]Fact, error)

	// SoftDeleteFact tombstones a fact so it drops out of retrieval
	// and dedup while the row survives for audit.
	SoftDeleteFact(ctx context.Context, factID string) (Fact, error)

	// PurgeFact removes the row entirely.
	PurgeFact(ctx context.Context, factID string) error

	Stats(ctx context.Context) (StoreStats, error)
	Close() error
}

// NewStore selects the backing store from configuration: Postgres when
// a DATABASE_URL is provided, in-process maps otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
