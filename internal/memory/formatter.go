package memory

import "strings"

// FormatContext flattens ranked retrieval results into a single prompt
// block. Selection is greedy in rank order: a result that does not fit
// the remaining budget is skipped, never truncated, and lower-ranked
// results that do fit are still considered. Output is deterministic
// for a given input order.
func FormatContext(results []RetrievalResult, maxLength int) string {
	if maxLength <= 0 || len(results) == 0 {
		return ""
	}

	var b strings.Builder
	for _, r := range results {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		need := len(content)
		if b.Len() > 0 {
			need++ // separator
		}
		if b.Len()+need > maxLength {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(content)
	}
	return b.String()
}

// FormatRecentTurns renders the session's recent exchanges for the
// prompt, oldest first.
func FormatRecentTurns(turns []ConversationTurn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(formatTurn(t))
	}
	return b.String()
}

func formatTurn(t ConversationTurn) string {
	return "User: " + t.UserInput + "\nAssistant: " + t.AssistantResponse
}
