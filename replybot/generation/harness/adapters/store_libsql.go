package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/room-replybot/replybot/generation/harness/ports"
)

// LibSQLConversationStore implements ConversationStore on the room_turns table.
type LibSQLConversationStore struct {
	db *sql.DB
}

// NewLibSQLConversationStore creates a new LibSQL conversation store.
func NewLibSQLConversationStore(db *sql.DB) *LibSQLConversationStore {
	return &LibSQLConversationStore{
		db: db,
	}
}

// SaveTurn appends a turn to the room transcript.
func (s *LibSQLConversationStore) SaveTurn(ctx context.Context, roomID string, turn ports.Turn) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO room_turns (room_id, role, author_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, roomID, turn.Role, turn.AuthorID, turn.Content, createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}

	return nil
}

// LoadContext loads the last k turns for a room, oldest first.
func (s *LibSQLConversationStore) LoadContext(ctx context.Context, roomID string, k int) ([]ports.Turn, error) {
	if k <= 0 {
		return nil, nil
	}

	query := `
		SELECT role, author_id, content, created_at FROM room_turns
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, roomID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []ports.Turn
	for rows.Next() {
		var (
			turn      ports.Turn
			createdMs int64
		)
		if err := rows.Scan(&turn.Role, &turn.AuthorID, &turn.Content, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turn.CreatedAt = time.UnixMilli(createdMs)
		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	// Reverse to get chronological order (oldest first)
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	return turns, nil
}

// Ensure LibSQLConversationStore implements the ConversationStore interface.
var _ ports.ConversationStore = (*LibSQLConversationStore)(nil)
