package harness

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ZanzyTHEbar/room-replybot/replybot/config"
	"github.com/ZanzyTHEbar/room-replybot/replybot/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/room-replybot/replybot/generation/harness/ports"

	"github.com/rs/zerolog"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg         *config.GenerationConfig
	historySize int
	db          *sql.DB // Optional, for the room transcript
	logger      zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.GenerationConfig, historySize int, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{
		cfg:         cfg,
		historySize: historySize,
		db:          db,
		logger:      logger,
	}
}

// CreateGenerator creates a fully wired Generator from config.
func (f *Factory) CreateGenerator() (*Generator, error) {
	provider, err := f.CreateProvider()
	if err != nil {
		return nil, err
	}

	var guardrails *Guardrails
	if f.cfg.EnableGuardrails {
		guardrails = NewGuardrails(f.cfg.BlockedWords, f.cfg.MaxOutputSize)
	}

	return NewGenerator(
		provider,
		NewPromptBuilder(),
		NewHistoryWindow(Budget{MaxContextTokens: 3000, MaxTurns: max(f.historySize, 1)}, nil),
		f.CreateStore(),
		f.createRateLimiter(),
		f.CreateTracer(),
		guardrails,
		Settings{
			Options: ports.Options{
				MaxNewTokens: f.cfg.MaxNewTokens,
				Temperature:  f.cfg.Temperature,
				TopP:         f.cfg.TopP,
			},
			Timeout:     f.cfg.Timeout,
			HistorySize: f.historySize,
		},
	), nil
}

// CreateProvider selects the generation backend.
func (f *Factory) CreateProvider() (ports.Provider, error) {
	switch f.cfg.Provider {
	case "", "static":
		return adapters.NewStaticProvider(f.cfg.StaticReply), nil
	case "openai":
		if f.cfg.APIKey == "" {
			f.logger.Warn().Str("endpoint", f.cfg.Endpoint).Msg("generation.api_key is empty")
		}
		return adapters.NewOpenAIProvider(f.cfg.Endpoint, f.cfg.APIKey, f.cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", f.cfg.Provider)
	}
}

// CreateTranscript returns the room transcript used to post replies.
func (f *Factory) CreateTranscript() *Transcript {
	return NewTranscript(f.CreateStore())
}

// createRateLimiter creates a rate limiter adapter from config.
func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.RateLimitEnabled {
		return &noOpRateLimiter{}
	}

	return adapters.NewTokenBucket(f.cfg.RateLimitCapacity, f.cfg.RateLimitRefillRate)
}

// CreateTracer creates a tracer adapter from config.
func (f *Factory) CreateTracer() ports.Tracer {
	if !f.cfg.EnableTracing {
		return &noOpTracer{}
	}

	return adapters.NewZerologTracer(f.logger)
}

// CreateStore creates a conversation store adapter.
func (f *Factory) CreateStore() ports.ConversationStore {
	if f.db == nil {
		return &noOpStore{}
	}

	return adapters.NewLibSQLConversationStore(f.db)
}

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpStore implements ConversationStore interface with no-op behavior.
type noOpStore struct{}

func (s *noOpStore) SaveTurn(ctx context.Context, roomID string, turn ports.Turn) error {
	return nil
}

func (s *noOpStore) LoadContext(ctx context.Context, roomID string, k int) ([]ports.Turn, error) {
	return nil, nil
}

// NoOpTracer returns a tracer that records nothing.
func NoOpTracer() ports.Tracer { return &noOpTracer{} }

// Ensure all no-op types implement their interfaces.
var (
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
)
