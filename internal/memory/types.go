package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Tier is the classification outcome governing what gets persisted.
type Tier string

const (
	// TierEphemeral turns carry no learning value. The turn is still
	// logged, but nothing is promoted to long-term memory.
	TierEphemeral Tier = "ephemeral"
	// TierConversational turns are logged for history/context only.
	TierConversational Tier = "conversational"
	// TierFactual turns are logged and promoted: fact row + embedding.
	TierFactual Tier = "factual"
)

// FactCategory labels durable knowledge.
type FactCategory string

const (
	CategoryPersonal   FactCategory = "personal"
	CategoryPreference FactCategory = "preference"
	CategoryContext    FactCategory = "context"
	CategoryOther      FactCategory = "other"
)

var (
	// ErrTurnOrder rejects a turn write whose turn_no is not strictly
	// greater than the last persisted turn_no for its session. This is
	// the only memory fault that fails the caller's write.
	ErrTurnOrder = errors.New("turn_no must be strictly greater than the last persisted turn")

	ErrFactNotFound = errors.New("fact not found")
)

// ConversationTurn is an immutable append-only record of one exchange.
// It is never mutated after insert except for tombstoning.
type ConversationTurn struct {
	ID                string     `json:"id"`
	SessionID         string     `json:"session_id"`
	UserID            string     `json:"user_id"`
	TurnNo            int64      `json:"turn_no"`
	UserInput         string     `json:"user_input"`
	AssistantResponse string     `json:"assistant_response"`
	IntentType        string     `json:"intent_type,omitempty"`
	DurationMS        float64    `json:"duration_ms"`
	PromptTokens      int        `json:"prompt_tokens"`
	CompletionTokens  int        `json:"completion_tokens"`
	CreatedAt         time.Time  `json:"created_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

// Fact is a durable, deduplicated unit of long-term knowledge derived
// from a turn. Content is a full sentence, not keywords. At most one
// non-deleted fact exists per (user_id, content_hash).
type Fact struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	Content         string       `json:"content"`
	ContentHash     string       `json:"content_hash"`
	Category        FactCategory `json:"category"`
	ImportanceScore float64      `json:"importance_score"`
	ConversationID  string       `json:"conversation_id,omitempty"`
	EmbeddingID     string       `json:"embedding_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	DeletedAt       *time.Time   `json:"deleted_at,omitempty"`
}

// Degraded reports whether the fact is keyword-searchable only.
func (f Fact) Degraded() bool { return f.EmbeddingID == "" }

// HashContent produces the per-user dedup key: sha256 over the
// lowercased, whitespace-trimmed content.
func HashContent(content string) string {
	normalized := strings.ToLower(strings.TrimSpace(content))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Source identifies which sub-query produced a retrieval candidate.
type Source string

const (
	SourceKeyword  Source = "keyword"
	SourceSemantic Source = "semantic"
	SourceBoth     Source = "both"
	SourceRecent   Source = "recent"
)

// RetrievalResult is a transient ranked candidate; never persisted.
type RetrievalResult struct {
	Content   string       `json:"content"`
	Category  FactCategory `json:"category,omitempty"`
	Score     float64      `json:"score"`
	Source    Source       `json:"source"`
	FactID    string       `json:"fact_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// FactMatch is a keyword-search hit with its raw lexical relevance.
type FactMatch struct {
	Fact      Fact
	Relevance float64
}

// StoreStats summarizes the structured store for operators.
type StoreStats struct {
	Turns         int64 `json:"turns"`
	Facts         int64 `json:"facts"`
	DegradedFacts int64 `json:"degraded_facts"`
}
