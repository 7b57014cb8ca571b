package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/room-replybot/replybot/generation/harness/ports"
)

var ErrEmptyMessage = errors.New("harness: message is empty")

// Transcript writes room messages to the conversation store. Posting a
// reply through it is what makes the reply visible to the room.
type Transcript struct {
	store ports.ConversationStore
	now   func() time.Time
}

// NewTranscript wraps a conversation store.
func NewTranscript(store ports.ConversationStore) *Transcript {
	return &Transcript{store: store, now: time.Now}
}

// Post appends the bot's reply to the room.
func (t *Transcript) Post(ctx context.Context, roomID, text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	if err := t.store.SaveTurn(ctx, roomID, ports.Turn{
		Role:      ports.RoleAssistant,
		Content:   text,
		CreatedAt: t.now(),
	}); err != nil {
		return fmt.Errorf("post reply to room %s: %w", roomID, err)
	}
	return nil
}

// RecordIncoming appends the message that triggered a reply.
func (t *Transcript) RecordIncoming(ctx context.Context, roomID, authorID, text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	if err := t.store.SaveTurn(ctx, roomID, ports.Turn{
		Role:      ports.RoleUser,
		AuthorID:  authorID,
		Content:   text,
		CreatedAt: t.now(),
	}); err != nil {
		return fmt.Errorf("record message in room %s: %w", roomID, err)
	}
	return nil
}
