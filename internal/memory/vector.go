package memory

import (
	"context"
	"time"
)

// EmbeddingRecord is what the vector index stores per fact.
type EmbeddingRecord struct {
	ID         string
	FactID     string
	UserID     string
	Content    string
	Category   FactCategory
	Importance float64
	CreatedAt  time.Time
	Vector     []float32
}

// SemanticMatch is one nearest-neighbor hit. Similarity is cosine in
// [0, 1] so it shares a scale with keyword relevance.
type SemanticMatch struct {
	FactID     string
	Content    string
	Category   FactCategory
	Importance float64
	Similarity float64
	CreatedAt  time.Time
}

// VectorStore is the semantic index over fact embeddings. It is
// strictly secondary to the structured store: losing it degrades
// retrieval, never correctness.
type VectorStore interface {
	Add(ctx context.Context, rec EmbeddingRecord) error
	Query(ctx context.Context, userID string, vector []float32, limit int) ([]SemanticMatch, error)
	Delete(ctx context.Context, userID, embeddingID string) error
	Close() error
}
