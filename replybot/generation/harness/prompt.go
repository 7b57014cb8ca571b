package harness

import (
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/room-replybot/replybot/generation/harness/ports"
)

// voices describes the built-in perspectives.
var voices = map[string]string{
	"companion":   "You are a warm, supportive teammate. Keep it friendly and personal.",
	"coach":       "You are a pragmatic coach. Nudge the team toward the next concrete step.",
	"analyst":     "You are a calm analyst. Ground every remark in what the room has said.",
	"cheerleader": "You are an upbeat cheerleader. Celebrate progress and keep energy high.",
}

// Voice returns the system instruction for a perspective.
func Voice(perspective string) string {
	if v, ok := voices[perspective]; ok {
		return v
	}
	if perspective == "" {
		return voices["companion"]
	}
	return fmt.Sprintf("Reply in a %s voice.", perspective)
}

// PromptBuilder assembles model-ready inputs from system text, messages, and facts.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build flattens system + chat messages into a Provider PromptInput.
func (b *PromptBuilder) Build(system string, messages []ports.PromptMessage, facts []string, meta map[string]string) ports.PromptInput {
	// Normalize newlines and trim whitespace
	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

	for i := range messages {
		messages[i].Content = norm(messages[i].Content)
	}
	var kept []string
	for _, f := range facts {
		if f = norm(f); f != "" {
			kept = append(kept, f)
		}
	}

	return ports.PromptInput{
		System:   norm(system),
		Messages: messages,
		Context:  kept,
		Meta:     meta,
	}
}

// systemPrompt joins the perspective voice with the behavior instruction.
func systemPrompt(perspective, instruction string) string {
	var sb strings.Builder
	sb.WriteString(Voice(perspective))
	sb.WriteString("\nYou are replying inside a shared team chat room. Keep replies short and never reveal credentials.")
	if instruction != "" {
		sb.WriteString("\n")
		sb.WriteString(instruction)
	}
	return sb.String()
}
