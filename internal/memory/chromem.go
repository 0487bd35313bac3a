package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemStore is an embedded, pure-Go vector index. Each user gets
// its own collection so semantic queries can never cross user
// boundaries regardless of filter correctness.
type ChromemStore struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

func NewChromemStore() *ChromemStore {
	return &ChromemStore{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

func (s *ChromemStore) collection(userID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[userID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[userID]; ok {
		return col, nil
	}

	name := "user_" + userID
	col, err := s.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %q: %w", name, err)
	}
	s.collections[userID] = col
	return col, nil
}

func (s *ChromemStore) Add(ctx context.Context, rec EmbeddingRecord) error {
	col, err := s.collection(rec.UserID)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: rec.Vector,
		Metadata: map[string]string{
			"fact_id":    rec.FactID,
			"user_id":    rec.UserID,
			"category":   string(rec.Category),
			"importance": strconv.FormatFloat(rec.Importance, 'f', -1, 64),
			"created_at": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add embedding %s: %w", rec.ID, err)
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, userID string, vector []float32, limit int) ([]SemanticMatch, error) {
	col, err := s.collection(userID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	if n := col.Count(); n < limit {
		limit = n
	}
	if limit <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}

	matches := make([]SemanticMatch, 0, len(results))
	for _, r := range results {
		importance, _ := strconv.ParseFloat(r.Metadata["importance"], 64)
		createdAt, _ := time.Parse(time.RFC3339Nano, r.Metadata["created_at"])
		matches = append(matches, SemanticMatch{
			FactID:     r.Metadata["fact_id"],
			Content:    r.Content,
			Category:   FactCategory(r.Metadata["category"]),
			Importance: importance,
			Similarity: clamp01(float64(r.Similarity)),
			CreatedAt:  createdAt,
		})
	}
	return matches, nil
}

func (s *ChromemStore) Delete(ctx context.Context, userID, embeddingID string) error {
	col, err := s.collection(userID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, embeddingID); err != nil {
		return fmt.Errorf("delete embedding %s: %w", embeddingID, err)
	}
	return nil
}

func (s *ChromemStore) Close() error {
	// chromem keeps everything in process memory.
	return nil
}
