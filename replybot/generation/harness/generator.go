package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/room-replybot/replybot/generation/harness/ports"
)

var (
	ErrNoProvider = errors.New("harness: no provider configured")
	ErrEmptyReply = errors.New("harness: provider returned an empty reply")
)

// Request describes one reply to generate.
type Request struct {
	RoomID         string
	OrganizationID string
	Perspective    string
	Instruction    string   // behavior-specific directive
	TriggerText    string   // the message being answered, empty for periodic check-ins
	Facts          []string // extra context, e.g. weak health dimensions
}

// Reply is a validated, sanitized generation result.
type Reply struct {
	Text     string
	Usage    *ports.Usage
	Duration time.Duration
}

// Settings controls a Generator.
type Settings struct {
	Options     ports.Options
	Timeout     time.Duration // provider call bound
	HistorySize int           // room turns loaded as context
}

// Generator turns a Request into reply text: it loads room history, builds
// the prompt, takes a rate limit token, calls the provider and runs the
// output through guardrails.
type Generator struct {
	provider   ports.Provider
	builder    *PromptBuilder
	window     *HistoryWindow
	store      ports.ConversationStore
	limiter    ports.RateLimiter
	tracer     ports.Tracer
	guardrails *Guardrails // nil disables output checks
	settings   Settings
}

// NewGenerator creates a generator with dependencies.
func NewGenerator(
	provider ports.Provider,
	builder *PromptBuilder,
	window *HistoryWindow,
	store ports.ConversationStore,
	limiter ports.RateLimiter,
	tracer ports.Tracer,
	guardrails *Guardrails,
	settings Settings,
) *Generator {
	return &Generator{
		provider:   provider,
		builder:    builder,
		window:     window,
		store:      store,
		limiter:    limiter,
		tracer:     tracer,
		guardrails: guardrails,
		settings:   settings,
	}
}

// Generate produces the reply text for req.
func (g *Generator) Generate(ctx context.Context, req Request) (reply Reply, err error) {
	if g.provider == nil {
		return Reply{}, ErrNoProvider
	}
	start := time.Now()

	limitKey := "room:" + req.RoomID
	if req.OrganizationID != "" {
		limitKey = "org:" + req.OrganizationID
	}
	release, err := g.limiter.Acquire(ctx, limitKey)
	if err != nil {
		return Reply{}, fmt.Errorf("rate limit for %s: %w", limitKey, err)
	}
	defer release()

	ctx, finish := g.tracer.StartSpan(ctx, "generate", map[string]any{
		"room_id":     req.RoomID,
		"perspective": req.Perspective,
	})
	defer func() { finish(err) }()

	messages := g.history(ctx, req)
	prompt := g.builder.Build(systemPrompt(req.Perspective, req.Instruction), messages, req.Facts, map[string]string{
		"room_id":     req.RoomID,
		"perspective": req.Perspective,
	})

	opts := g.settings.Options
	callCtx := ctx
	if g.settings.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.settings.Timeout)
		defer cancel()
		opts.TimeoutMs = int(g.settings.Timeout / time.Millisecond)
	}

	completion, err := g.provider.Complete(callCtx, prompt, opts)
	if err != nil {
		return Reply{}, fmt.Errorf("provider call failed: %w", err)
	}

	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return Reply{}, ErrEmptyReply
	}
	if g.guardrails != nil {
		if text, err = g.guardrails.Apply(text); err != nil {
			return Reply{}, fmt.Errorf("guardrails rejected reply: %w", err)
		}
	}

	return Reply{Text: text, Usage: completion.Usage, Duration: time.Since(start)}, nil
}

// history loads the room transcript and makes sure the trigger message is the
// last user turn. A store failure only costs context, not the reply.
func (g *Generator) history(ctx context.Context, req Request) []ports.PromptMessage {
	var turns []ports.Turn
	if g.settings.HistorySize > 0 {
		loaded, err := g.store.LoadContext(ctx, req.RoomID, g.settings.HistorySize)
		if err != nil {
			g.tracer.Event(ctx, "history_error", map[string]any{"error": err.Error()})
		} else {
			turns = loaded
		}
	}

	if text := strings.TrimSpace(req.TriggerText); text != "" {
		last := len(turns) - 1
		if last < 0 || turns[last].Role != ports.RoleUser || strings.TrimSpace(turns[last].Content) != text {
			turns = append(turns, ports.Turn{Role: ports.RoleUser, Content: text})
		}
	}

	messages := g.window.Fit(turns)
	if len(messages) == 0 {
		// Periodic check-ins have nothing to answer; give the model a cue.
		messages = []ports.PromptMessage{{Role: ports.RoleUser, Content: "(no new messages; post a short check-in if it helps the room)"}}
	}
	return messages
}
