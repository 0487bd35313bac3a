package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/antoniostano/recall/internal/observability"
)

// recencyHalfLife controls how fast the recency component of the
// composite score decays: a fact loses half its recency weight every
// 72 hours.
const recencyHalfLife = 72 * time.Hour

// Composite score weights. Relevance dominates, importance breaks
// topical ties, recency nudges fresh facts ahead of stale ones.
const (
	weightRelevance  = 0.6
	weightImportance = 0.3
	weightRecency    = 0.1
)

// RetrievalQuery scopes one retrieval. Facts are searched across the
// whole user; recent turns never leave the session.
type RetrievalQuery struct {
	UserID        string
	SessionID     string
	Query         string
	Limit         int
	IncludeRecent bool
}

// Retrieval is the merged, ranked context for one turn.
type Retrieval struct {
	Facts       []RetrievalResult
	RecentTurns []ConversationTurn
}

// Results flattens the retrieval for the prompt: ranked facts first,
// then the session's recent exchanges appended as source "recent".
// Recent turns carry no composite score; they are continuity, not
// ranked knowledge.
func (r Retrieval) Results() []RetrievalResult {
	out := make([]RetrievalResult, 0, len(r.Facts)+len(r.RecentTurns))
	out = append(out, r.Facts...)
	for _, t := range r.RecentTurns {
		out = append(out, RetrievalResult{
			Content:   formatTurn(t),
			Source:    SourceRecent,
			CreatedAt: t.CreatedAt,
		})
	}
	return out
}

// Engine runs the three retrieval sources concurrently and merges
// them. Every source fails open: a broken vector index degrades to
// keyword-only results, a broken store degrades to semantic-only, and
// a fully dark backend yields an empty retrieval, never an error.
type Engine struct {
	store        Store
	vectors      VectorStore
	embedder     Embedder
	metrics      *observability.Metrics
	recentWindow int
	timeout      time.Duration
}

func NewEngine(store Store, vectors VectorStore, embedder Embedder, recentWindow int, timeout time.Duration, metrics *observability.Metrics) *Engine {
	if recentWindow <= 0 {
		recentWindow = 3
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Engine{
		store:        store,
		vectors:      vectors,
		embedder:     embedder,
		recentWindow: recentWindow,
		timeout:      timeout,
		metrics:      metrics,
	}
}

func (e *Engine) Retrieve(ctx context.Context, q RetrievalQuery) Retrieval {
	start := time.Now()
	if q.Limit <= 0 {
		q.Limit = 5
	}

	var (
		wg       sync.WaitGroup
		keyword  []FactMatch
		semantic []SemanticMatch
		recent   []ConversationTurn
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		srcCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		matches, err := e.store.SearchFacts(srcCtx, q.UserID, q.Query, q.Limit*2)
		if err != nil {
			e.sourceFailure(string(SourceKeyword))
			return
		}
		keyword = matches
	}()
	go func() {
		defer wg.Done()
		srcCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		vec, err := e.embedder.Embed(srcCtx, q.Query)
		if err != nil {
			e.sourceFailure(string(SourceSemantic))
			return
		}
		matches, err := e.vectors.Query(srcCtx, q.UserID, vec, q.Limit*2)
		if err != nil {
			e.sourceFailure(string(SourceSemantic))
			return
		}
		semantic = matches
	}()
	if q.IncludeRecent {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srcCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			turns, err := e.store.RecentTurns(srcCtx, q.SessionID, e.recentWindow)
			if err != nil {
				e.sourceFailure(string(SourceRecent))
				return
			}
			recent = turns
		}()
	}
	wg.Wait()

	semantic = e.dropTombstoned(ctx, keyword, semantic)
	facts := e.rank(keyword, semantic, q.Limit, time.Now().UTC())

	if e.metrics != nil {
		e.metrics.ObserveRetrievalLatency(time.Since(start))
		if len(facts) == 0 && len(recent) == 0 {
			e.metrics.EmptyRetrievals.Inc()
		}
	}
	return Retrieval{Facts: facts, RecentTurns: recent}
}

// dropTombstoned filters semantic hits against fact liveness in the
// structured store. The vector index can lag a delete; the store is
// the authority on which facts still exist. Hits already confirmed by
// the keyword source skip the lookup, and a store error keeps the hit
// so a dark store still degrades to semantic-only results.
func (e *Engine) dropTombstoned(ctx context.Context, keyword []FactMatch, semantic []SemanticMatch) []SemanticMatch {
	if len(semantic) == 0 {
		return semantic
	}
	confirmed := make(map[string]bool, len(keyword))
	for _, m := range keyword {
		confirmed[m.Fact.ID] = true
	}
	live := semantic[:0]
	for _, m := range semantic {
		if !confirmed[m.FactID] {
			if _, err := e.store.GetFact(ctx, m.FactID); errors.Is(err, ErrFactNotFound) {
				continue
			}
		}
		live = append(live, m)
	}
	return live
}

// rank merges the two fact sources into one ranked list. Keyword rank
// is normalized by the best keyword hit so it shares the [0, 1] scale
// of cosine similarity; a fact found by both sources keeps the
// stronger signal.
func (e *Engine) rank(keyword []FactMatch, semantic []SemanticMatch, limit int, now time.Time) []RetrievalResult {
	var maxKeyword float64
	for _, m := range keyword {
		if m.Relevance > maxKeyword {
			maxKeyword = m.Relevance
		}
	}

	merged := make(map[string]*RetrievalResult, len(keyword)+len(semantic))
	relevance := make(map[string]float64, len(keyword)+len(semantic))
	importance := make(map[string]float64, len(keyword)+len(semantic))

	for _, m := range keyword {
		rel := m.Relevance
		if maxKeyword > 0 {
			rel = m.Relevance / maxKeyword
		}
		merged[m.Fact.ID] = &RetrievalResult{
			Content:   m.Fact.Content,
			Category:  m.Fact.Category,
			Source:    SourceKeyword,
			FactID:    m.Fact.ID,
			CreatedAt: m.Fact.CreatedAt,
		}
		relevance[m.Fact.ID] = rel
		importance[m.Fact.ID] = m.Fact.ImportanceScore
	}
	for _, m := range semantic {
		if existing, ok := merged[m.FactID]; ok {
			existing.Source = SourceBoth
			if m.Similarity > relevance[m.FactID] {
				relevance[m.FactID] = m.Similarity
			}
			continue
		}
		merged[m.FactID] = &RetrievalResult{
			Content:   m.Content,
			Category:  m.Category,
			Source:    SourceSemantic,
			FactID:    m.FactID,
			CreatedAt: m.CreatedAt,
		}
		relevance[m.FactID] = m.Similarity
		importance[m.FactID] = m.Importance
	}

	results := make([]RetrievalResult, 0, len(merged))
	for id, r := range merged {
		r.Score = weightRelevance*relevance[id] +
			weightImportance*importance[id] +
			weightRecency*recencyBoost(r.CreatedAt, now)
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if importance[results[i].FactID] != importance[results[j].FactID] {
			return importance[results[i].FactID] > importance[results[j].FactID]
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func recencyBoost(createdAt, now time.Time) float64 {
	if createdAt.IsZero() || !createdAt.Before(now) {
		return 1
	}
	age := now.Sub(createdAt)
	return math.Exp2(-float64(age) / float64(recencyHalfLife))
}

func (e *Engine) sourceFailure(source string) {
	if e.metrics != nil {
		e.metrics.RetrievalFailures.WithLabelValues(source).Inc()
	}
}
