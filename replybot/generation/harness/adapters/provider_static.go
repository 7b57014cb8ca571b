package adapters

import (
	"context"

	ports "github.com/ZanzyTHEbar/room-replybot/replybot/generation/harness/ports"
)

// StaticProvider answers every prompt with the same text. Used when no
// generation backend is configured and in local runs.
type StaticProvider struct {
	Text string
}

// NewStaticProvider creates a provider returning text.
func NewStaticProvider(text string) *StaticProvider {
	return &StaticProvider{Text: text}
}

func (p *StaticProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	if err := ctx.Err(); err != nil {
		return ports.Completion{}, err
	}
	return ports.Completion{Text: p.Text}, nil
}

var _ ports.Provider = (*StaticProvider)(nil)
