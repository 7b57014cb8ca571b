package harnessports

import (
	"context"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a room transcript.
type Turn struct {
	Role      string // "user" | "assistant"
	AuthorID  string // empty for the bot
	Content   string
	CreatedAt time.Time
}

// ConversationStore persists room transcripts.
type ConversationStore interface {
	SaveTurn(ctx context.Context, roomID string, turn Turn) error
	LoadContext(ctx context.Context, roomID string, k int) ([]Turn, error) // last-k turns, oldest first
}
