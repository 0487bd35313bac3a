package memory

import (
	"context"
	"strings"
)

// HeuristicScorer is the local, dependency-free scoring backend used
// when no external scorer is configured. It encodes the same rubric an
// LLM scorer is prompted with: greetings and system chatter are
// ephemeral, personal information and preferences are factual,
// everything else is conversational.
type HeuristicScorer struct{}

func NewHeuristicScorer() *HeuristicScorer { return &HeuristicScorer{} }

var ephemeralPhrases = []string{
	"hello", "hi", "hey", "bye", "goodbye", "good morning", "good night",
	"how are you", "what time is it", "what day is it", "what's the weather",
	"play music", "pause", "skip", "stop", "ok", "okay", "thanks", "thank you", "sure",
}

type factRule struct {
	phrase     string
	importance float64
	category   FactCategory
}

var factRules = []factRule{
	{"remember that", 0.9, CategoryContext},
	{"don't forget", 0.9, CategoryContext},
	{"my name is", 0.9, CategoryPersonal},
	{"my birthday", 0.9, CategoryPersonal},
	{"i live in", 0.8, CategoryPersonal},
	{"i work", 0.7, CategoryPersonal},
	{"my family", 0.7, CategoryPersonal},
	{"i prefer", 0.7, CategoryPreference},
	{"i like", 0.6, CategoryPreference},
	{"i love", 0.6, CategoryPreference},
	{"i hate", 0.6, CategoryPreference},
	{"i dislike", 0.6, CategoryPreference},
	{"my favorite", 0.7, CategoryPreference},
	{"i'm planning", 0.6, CategoryContext},
	{"i decided", 0.6, CategoryContext},
	{"actually, i", 0.6, CategoryContext},
}

func (s *HeuristicScorer) Score(_ context.Context, sample TurnSample) (Score, error) {
	input := strings.ToLower(strings.TrimSpace(sample.UserInput))
	if input == "" {
		return Score{Importance: 0}, nil
	}

	for _, rule := range factRules {
		if strings.Contains(input, rule.phrase) {
			return Score{Importance: rule.importance, FactCategory: rule.category}, nil
		}
	}

	stripped := strings.Trim(input, ".!?, ")
	for _, phrase := range ephemeralPhrases {
		if stripped == phrase {
			return Score{Importance: 0}, nil
		}
	}

	return Score{Importance: 0.3}, nil
}
