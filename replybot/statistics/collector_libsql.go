package statistics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrEmptyRoom = errors.New("statistics: room id is empty")

// LibSQLCollector stores outcomes in reply_outcomes.
type LibSQLCollector struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLCollector creates a collector over a migrated database.
func NewLibSQLCollector(db *sql.DB) *LibSQLCollector {
	return &LibSQLCollector{db: db, now: time.Now}
}

// Record inserts one outcome row.
func (c *LibSQLCollector) Record(ctx context.Context, o Outcome) error {
	if o.Scope.RoomID == "" {
		return ErrEmptyRoom
	}
	at := o.At
	if at.IsZero() {
		at = c.now()
	}

	query := `
		INSERT INTO reply_outcomes
			(room_id, workspace_id, organization_id, task_kind, behavior, perspective, sent, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.db.ExecContext(ctx, query,
		o.Scope.RoomID, o.Scope.WorkspaceID, o.Scope.OrganizationID,
		o.TaskKind, o.Behavior, o.Perspective, boolToInt(o.Sent), o.Error, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for room %s: %w", o.Scope.RoomID, err)
	}
	return nil
}

// GetStatistics aggregates the room, workspace and organization counters.
func (c *LibSQLCollector) GetStatistics(ctx context.Context, scope Scope) (Snapshot, error) {
	if scope.RoomID == "" {
		return Snapshot{}, ErrEmptyRoom
	}

	now := c.now()
	hourAgo := now.Add(-time.Hour).UnixMilli()
	dayAgo := now.Add(-24 * time.Hour).UnixMilli()
	snap := Snapshot{Scope: scope, ComputedAt: now}

	roomQuery := `
		SELECT
			COALESCE(SUM(CASE WHEN sent = 1 AND created_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sent = 1 AND created_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(MAX(CASE WHEN sent = 1 THEN created_at END), 0),
			COUNT(*)
		FROM reply_outcomes
		WHERE room_id = ?
	`
	var lastReplyMs, total int64
	if err := c.db.QueryRowContext(ctx, roomQuery, hourAgo, dayAgo, scope.RoomID).
		Scan(&snap.RepliesLastHour, &snap.RepliesLastDay, &lastReplyMs, &total); err != nil {
		return Snapshot{}, fmt.Errorf("failed to aggregate room %s: %w", scope.RoomID, err)
	}
	if lastReplyMs > 0 {
		snap.LastReplyAt = time.UnixMilli(lastReplyMs)
	}

	silentQuery := `
		SELECT COUNT(*) FROM reply_outcomes
		WHERE room_id = ? AND sent = 0
		  AND id > COALESCE((SELECT MAX(id) FROM reply_outcomes WHERE room_id = ? AND sent = 1), 0)
	`
	if err := c.db.QueryRowContext(ctx, silentQuery, scope.RoomID, scope.RoomID).Scan(&snap.ConsecutiveSilent); err != nil {
		return Snapshot{}, fmt.Errorf("failed to count silent outcomes for room %s: %w", scope.RoomID, err)
	}

	var err error
	if scope.WorkspaceID != "" {
		snap.WorkspaceNoticesLastDay, err = c.countNotices(ctx, "workspace_id", scope.WorkspaceID, WorkspaceNoticeBehavior, dayAgo)
		if err != nil {
			return Snapshot{}, err
		}
	}
	if scope.OrganizationID != "" {
		snap.OrganizationNoticesLastDay, err = c.countNotices(ctx, "organization_id", scope.OrganizationID, OrganizationNoticeBehavior, dayAgo)
		if err != nil {
			return Snapshot{}, err
		}
	}

	snap.Neutral = total == 0
	return snap, nil
}

// countNotices counts sent notices; column is one of two fixed identifiers.
func (c *LibSQLCollector) countNotices(ctx context.Context, column, id, behavior string, since int64) (int, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM reply_outcomes
		WHERE %s = ? AND behavior = ? AND sent = 1 AND created_at >= ?
	`, column)

	var n int
	if err := c.db.QueryRowContext(ctx, query, id, behavior, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s notices for %s: %w", behavior, id, err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Collector = (*LibSQLCollector)(nil)
