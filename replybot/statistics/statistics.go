// Package statistics aggregates past reply outcomes into the counters that
// behavior predicates read.
package statistics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Behavior names whose sent outcomes count as health notices.
const (
	WorkspaceNoticeBehavior    = "workspace_health"
	OrganizationNoticeBehavior = "organization_health"
)

// Scope locates a room within its workspace and organization.
type Scope struct {
	RoomID         string
	WorkspaceID    string
	OrganizationID string
}

// Snapshot holds the counters relevant to the next reply decision.
type Snapshot struct {
	Scope                      Scope
	RepliesLastHour            int
	RepliesLastDay             int
	ConsecutiveSilent          int
	LastReplyAt                time.Time
	WorkspaceNoticesLastDay    int
	OrganizationNoticesLastDay int
	ComputedAt                 time.Time
	Neutral                    bool
}

// SinceLastReply returns the time elapsed since the last sent reply, or -1
// if the room never received one.
func (s Snapshot) SinceLastReply(now time.Time) time.Duration {
	if s.LastReplyAt.IsZero() {
		return -1
	}
	return now.Sub(s.LastReplyAt)
}

// Neutral is the snapshot of a room with no recorded history.
func Neutral(scope Scope, now time.Time) Snapshot {
	return Snapshot{Scope: scope, ComputedAt: now, Neutral: true}
}

// Outcome is one completed reply task.
type Outcome struct {
	Scope       Scope
	TaskKind    string
	Behavior    string
	Perspective string
	Sent        bool
	Error       string
	At          time.Time
}

// Collector records outcomes and reads aggregated statistics.
type Collector interface {
	GetStatistics(ctx context.Context, scope Scope) (Snapshot, error)
	Record(ctx context.Context, outcome Outcome) error
}

// Fetch reads statistics within budget and falls back to Neutral(scope) on
// any failure, reporting degraded=true.
func Fetch(ctx context.Context, c Collector, scope Scope, budget time.Duration, logger zerolog.Logger) (snap Snapshot, degraded bool) {
	now := time.Now()
	if c == nil {
		return Neutral(scope, now), true
	}

	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	type result struct {
		snap Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("statistics collector panic: %v", r)}
			}
		}()
		s, err := c.GetStatistics(ctx, scope)
		done <- result{snap: s, err: err}
	}()

	var err error
	select {
	case r := <-done:
		if r.err == nil {
			r.snap.Scope = scope
			if r.snap.ComputedAt.IsZero() {
				r.snap.ComputedAt = now
			}
			return r.snap, false
		}
		err = r.err
	case <-ctx.Done():
		err = ctx.Err()
	}

	logger.Warn().Err(err).Str("room_id", scope.RoomID).Msg("statistics unavailable, using neutral snapshot")
	return Neutral(scope, now), true
}
