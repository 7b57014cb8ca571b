package harness

import (
	ports "github.com/ZanzyTHEbar/room-replybot/replybot/generation/harness/ports"
)

// Budget bounds how much room history is packed into a prompt.
type Budget struct {
	MaxContextTokens int // hard cap for history tokens
	MaxTurns         int // safety bound on number of turns
}

// HistoryWindow selects the most recent turns that fit a token budget.
type HistoryWindow struct {
	budget Budget
	// TokenEstimator should be a fast heuristic; no specific tokenizer is assumed.
	TokenEstimator func(s string) int
}

func NewHistoryWindow(b Budget, est func(s string) int) *HistoryWindow {
	if est == nil {
		est = func(s string) int { // rough heuristic: ~4 chars per token
			l := len(s)
			if l == 0 {
				return 0
			}
			return (l + 3) / 4
		}
	}
	return &HistoryWindow{budget: b, TokenEstimator: est}
}

// Fit walks turns newest-first and keeps them while they fit, returning the
// kept turns oldest first as prompt messages.
func (w *HistoryWindow) Fit(turns []ports.Turn) []ports.PromptMessage {
	if len(turns) == 0 || w.budget.MaxContextTokens <= 0 || w.budget.MaxTurns <= 0 {
		return nil
	}

	remaining := w.budget.MaxContextTokens
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		if len(turns)-i > w.budget.MaxTurns {
			break
		}
		cost := w.TokenEstimator(turns[i].Content)
		if cost > remaining {
			break
		}
		remaining -= cost
		start = i
	}

	msgs := make([]ports.PromptMessage, 0, len(turns)-start)
	for _, t := range turns[start:] {
		msgs = append(msgs, ports.PromptMessage{Role: t.Role, Content: t.Content})
	}
	return msgs
}
