package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use. It
// enforces the same ordering and dedup rules as the Postgres backend.
type InMemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]ConversationTurn // keyed by session_id, append order
	facts map[string]*Fact              // keyed by fact id
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns: make(map[string][]ConversationTurn),
		facts: make(map[string]*Fact),
	}
}

func (s *InMemoryStore) InsertTurn(_ context.Context, turn ConversationTurn) (ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	arr := s.turns[turn.SessionID]
	if len(arr) > 0 && turn.TurnNo <= arr[len(arr)-1].TurnNo {
		return ConversationTurn{}, ErrTurnOrder
	}

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns[turn.SessionID] = append(arr, turn)
	return turn, nil
}

func (s *InMemoryStore) LastTurnNo(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if len(arr) == 0 {
		return 0, nil
	}
	return arr[len(arr)-1].TurnNo, nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, sessionID string, limit int) ([]ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	arr := s.turns[sessionID]
	live := make([]ConversationTurn, 0, len(arr))
	for _, t := range arr {
		if t.DeletedAt == nil {
			live = append(live, t)
		}
	}
	if limit <= 0 || limit > len(live) {
		limit = len(live)
	}
	out := make([]ConversationTurn, limit)
	copy(out, live[len(live)-limit:])
	return out, nil
}

func (s *InMemoryStore) InsertFact(_ context.Context, fact Fact) (Fact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fact.ContentHash == "" {
		fact.ContentHash = HashContent(fact.Content)
	}
	for _, existing := range s.facts {
		if existing.DeletedAt == nil && existing.UserID == fact.UserID && existing.ContentHash == fact.ContentHash {
			return *existing, false, nil
		}
	}

	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = now
	}
	fact.UpdatedAt = now
	stored := fact
	s.facts[fact.ID] = &stored
	return fact, true, nil
}

func (s *InMemoryStore) GetFact(_ context.Context, factID string) (Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[factID]
	if !ok || f.DeletedAt != nil {
		return Fact{}, ErrFactNotFound
	}
	return *f, nil
}

func (s *InMemoryStore) SetFactEmbedding(_ context.Context, factID, embeddingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[factID]
	if !ok || f.DeletedAt != nil {
		return ErrFactNotFound
	}
	f.EmbeddingID = embeddingID
	f.UpdatedAt = time.Now().UTC()
	return nil
}

// SearchFacts scores live facts by query-token overlap: the fraction
// of query tokens present in the content. It approximates the ranked
// full-text search the Postgres backend runs.
func (s *InMemoryStore) SearchFacts(_ context.Context, userID, query string, limit int) ([]FactMatch, error) {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []FactMatch
	for _, f := range s.facts {
		if f.DeletedAt != nil || f.UserID != userID {
			continue
		}
		content := strings.ToLower(f.Content)
		hits := 0
		for _, tok := range tokens {
			if strings.Contains(content, tok) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		matches = append(matches, FactMatch{
			Fact:      *f,
			Relevance: float64(hits) / float64(len(tokens)),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Relevance != matches[j].Relevance {
			return matches[i].Relevance > matches[j].Relevance
		}
		return matches[i].Fact.CreatedAt.After(matches[j].Fact.CreatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *InMemoryStore) FactsWithoutEmbedding(_ context.Context, limit int) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Fact
	for _, f := range s.facts {
		if f.DeletedAt == nil && f.EmbeddingID == "" {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) SoftDeleteFact(_ context.Context, factID string) (Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[factID]
	if !ok || f.DeletedAt != nil {
		return Fact{}, ErrFactNotFound
	}
	now := time.Now().UTC()
	f.DeletedAt = &now
	f.UpdatedAt = now
	return *f, nil
}

func (s *InMemoryStore) PurgeFact(_ context.Context, factID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.facts[factID]; !ok {
		return ErrFactNotFound
	}
	delete(s.facts, factID)
	return nil
}

func (s *InMemoryStore) Stats(_ context.Context) (StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats StoreStats
	for _, arr := range s.turns {
		for _, t := range arr {
			if t.DeletedAt == nil {
				stats.Turns++
			}
		}
	}
	for _, f := range s.facts {
		if f.DeletedAt != nil {
			continue
		}
		stats.Facts++
		if f.EmbeddingID == "" {
			stats.DegradedFacts++
		}
	}
	return stats, nil
}

func (s *InMemoryStore) Close() error { return nil }

func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'")
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
