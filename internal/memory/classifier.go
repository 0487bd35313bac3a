package memory

import (
	"context"
	"time"

	"github.com/antoniostano/recall/internal/observability"
)

// TurnSample is the classifier's view of one exchange.
type TurnSample struct {
	UserInput         string
	AssistantResponse string
	IntentType        string
	DurationMS        float64
	PromptTokens      int
	CompletionTokens  int
}

// Score is the opaque scoring backend's verdict for a turn.
type Score struct {
	Importance   float64
	FactCategory FactCategory
}

// Scorer is the external scoring call (LLM or heuristic). It is
// fallible and bounded; the classifier owns the fallback.
type Scorer interface {
	Score(ctx context.Context, sample TurnSample) (Score, error)
}

// Classification decides what the coordinator persists for a turn.
type Classification struct {
	Tier            Tier
	ImportanceScore float64
	FactCategory    FactCategory
}

// ShouldStore reports whether the turn carries any memory worth beyond
// the raw turn log.
func (c Classification) ShouldStore() bool { return c.Tier != TierEphemeral }

// TierFor maps an importance score to a tier. The lower bound of each
// tier is closed: exactly 0.5 is factual, exactly 0.0 is ephemeral.
func TierFor(score float64) Tier {
	switch {
	case score >= 0.5:
		return TierFactual
	case score > 0.0:
		return TierConversational
	default:
		return TierEphemeral
	}
}

// Classifier maps a turn to a storage tier and importance score. The
// tier is a pure function of the score; the score comes from the
// injected scorer.
type Classifier struct {
	scorer  Scorer
	timeout time.Duration
	metrics *observability.Metrics
}

func NewClassifier(scorer Scorer, timeout time.Duration, metrics *observability.Metrics) *Classifier {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Classifier{scorer: scorer, timeout: timeout, metrics: metrics}
}

// Classify never fails: a scorer error or timeout falls back to
// conversational with score 0, so the turn is logged but nothing is
// promoted to long-term memory.
func (c *Classifier) Classify(ctx context.Context, sample TurnSample) Classification {
	scoreCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	score, err := c.scorer.Score(scoreCtx, sample)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ClassifierFallbks.Inc()
			c.metrics.Classifications.WithLabelValues(string(TierConversational)).Inc()
		}
		return Classification{Tier: TierConversational, ImportanceScore: 0}
	}

	importance := clamp01(score.Importance)
	cls := Classification{
		Tier:            TierFor(importance),
		ImportanceScore: importance,
	}
	if cls.Tier == TierFactual {
		cls.FactCategory = score.FactCategory
		if cls.FactCategory == "" {
			cls.FactCategory = CategoryContext
		}
	}
	if c.metrics != nil {
		c.metrics.Classifications.WithLabelValues(string(cls.Tier)).Inc()
	}
	return cls
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
