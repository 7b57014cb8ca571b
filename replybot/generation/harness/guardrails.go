package harness

import (
	"fmt"
	"regexp"
	"strings"
)

// Guardrails enforces safety and size limits on generated replies.
type Guardrails struct {
	blockedWords  []string         // words that should not appear in output
	outputFilters []*regexp.Regexp // patterns masked before a reply is posted
	maxOutputSize int
}

// DefaultBlockedWords is used when no list is configured.
var DefaultBlockedWords = []string{"password", "secret", "credential"}

// NewGuardrails creates guardrails. An empty blockedWords uses
// DefaultBlockedWords; maxOutputSize <= 0 disables the size check.
func NewGuardrails(blockedWords []string, maxOutputSize int) *Guardrails {
	if len(blockedWords) == 0 {
		blockedWords = DefaultBlockedWords
	}
	words := make([]string, 0, len(blockedWords))
	for _, w := range blockedWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	return &Guardrails{
		blockedWords: words,
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret[:=]\s*\S+`),
			regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]{16,}`),
			regexp.MustCompile(`\bsk-[A-Za-z0-9]{16,}\b`),
		},
		maxOutputSize: maxOutputSize,
	}
}

// SanitizeOutput masks sensitive values in output.
func (g *Guardrails) SanitizeOutput(output string) string {
	sanitized := output
	for _, filter := range g.outputFilters {
		sanitized = filter.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}

// ValidateOutput rejects output containing blocked words.
func (g *Guardrails) ValidateOutput(output string) error {
	lowerOutput := strings.ToLower(output)
	for _, word := range g.blockedWords {
		if strings.Contains(lowerOutput, word) {
			return fmt.Errorf("output contains blocked word: %s", word)
		}
	}
	return nil
}

// ValidateOutputSize checks if output size is within limits.
func (g *Guardrails) ValidateOutputSize(output string) error {
	if g.maxOutputSize > 0 && len(output) > g.maxOutputSize {
		return fmt.Errorf("output size %d exceeds maximum %d", len(output), g.maxOutputSize)
	}
	return nil
}

// Apply sanitizes output and then validates what remains.
func (g *Guardrails) Apply(output string) (string, error) {
	sanitized := g.SanitizeOutput(output)
	if err := g.ValidateOutputSize(sanitized); err != nil {
		return "", err
	}
	if err := g.ValidateOutput(sanitized); err != nil {
		return "", err
	}
	return sanitized, nil
}
