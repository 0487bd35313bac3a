package pipeline

import (
	"context"
	"strings"
)

// LocalGenerator is a deterministic reply backend for local runs and
// tests. It acknowledges the utterance and names the memory it was
// given, which makes pipeline behavior observable without a model.
type LocalGenerator struct{}

func NewLocalGenerator() *LocalGenerator { return &LocalGenerator{} }

func (g *LocalGenerator) Generate(_ context.Context, userInput, memoryContext string) (string, error) {
	var b strings.Builder
	b.WriteString("I heard: ")
	b.WriteString(strings.TrimSpace(userInput))
	if memoryContext != "" {
		b.WriteString(" (recalling ")
		b.WriteString(strings.TrimSpace(strings.Split(memoryContext, "\n")[0]))
		b.WriteString(")")
	}
	return b.String(), nil
}
