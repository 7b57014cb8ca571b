package statistics

import (
	"context"
	"sync"
	"time"
)

// retention bounds how long MemoryCollector keeps sent replies and notices.
const retention = 24 * time.Hour

// MemoryCollector keeps outcomes in process memory
type MemoryCollector struct {
	mu sync.RWMutex

	now   func() time.Time
	rooms map[string]*roomStats

	// Notice timestamps by workspace and organization
	workspaceNotices    map[string][]time.Time
	organizationNotices map[string][]time.Time
}

// roomStats tracks the rolling counters of one room
type roomStats struct {
	replies           []time.Time
	lastReplyAt       time.Time
	consecutiveSilent int
	total             int64
}

// NewMemoryCollector creates an empty collector
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		now:                 time.Now,
		rooms:               make(map[string]*roomStats),
		workspaceNotices:    make(map[string][]time.Time),
		organizationNotices: make(map[string][]time.Time),
	}
}

// Record records a reply outcome
func (mc *MemoryCollector) Record(ctx context.Context, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.Scope.RoomID == "" {
		return ErrEmptyRoom
	}
	at := o.At
	if at.IsZero() {
		at = mc.now()
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	rs := mc.rooms[o.Scope.RoomID]
	if rs == nil {
		rs = &roomStats{}
		mc.rooms[o.Scope.RoomID] = rs
	}
	rs.total++

	if !o.Sent {
		rs.consecutiveSilent++
		return nil
	}

	rs.consecutiveSilent = 0
	rs.replies = prune(append(rs.replies, at), at)
	if at.After(rs.lastReplyAt) {
		rs.lastReplyAt = at
	}

	switch o.Behavior {
	case WorkspaceNoticeBehavior:
		if o.Scope.WorkspaceID != "" {
			mc.workspaceNotices[o.Scope.WorkspaceID] = prune(append(mc.workspaceNotices[o.Scope.WorkspaceID], at), at)
		}
	case OrganizationNoticeBehavior:
		if o.Scope.OrganizationID != "" {
			mc.organizationNotices[o.Scope.OrganizationID] = prune(append(mc.organizationNotices[o.Scope.OrganizationID], at), at)
		}
	}
	return nil
}

// GetStatistics returns the rolling counters for scope
func (mc *MemoryCollector) GetStatistics(ctx context.Context, scope Scope) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if scope.RoomID == "" {
		return Snapshot{}, ErrEmptyRoom
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	now := mc.now()
	snap := Snapshot{Scope: scope, ComputedAt: now, Neutral: true}

	if rs := mc.rooms[scope.RoomID]; rs != nil {
		snap.Neutral = rs.total == 0
		snap.RepliesLastHour = countSince(rs.replies, now.Add(-time.Hour))
		snap.RepliesLastDay = countSince(rs.replies, now.Add(-24*time.Hour))
		snap.ConsecutiveSilent = rs.consecutiveSilent
		snap.LastReplyAt = rs.lastReplyAt
	}
	if scope.WorkspaceID != "" {
		snap.WorkspaceNoticesLastDay = countSince(mc.workspaceNotices[scope.WorkspaceID], now.Add(-24*time.Hour))
	}
	if scope.OrganizationID != "" {
		snap.OrganizationNoticesLastDay = countSince(mc.organizationNotices[scope.OrganizationID], now.Add(-24*time.Hour))
	}
	return snap, nil
}

// Reset clears all collected outcomes
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.rooms = make(map[string]*roomStats)
	mc.workspaceNotices = make(map[string][]time.Time)
	mc.organizationNotices = make(map[string][]time.Time)
}

func countSince(times []time.Time, since time.Time) int {
	n := 0
	for _, t := range times {
		if !t.Before(since) {
			n++
		}
	}
	return n
}

// prune drops timestamps older than retention relative to latest
func prune(times []time.Time, latest time.Time) []time.Time {
	cutoff := latest.Add(-retention)
	kept := times[:0]
	for _, t := range times {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

var _ Collector = (*MemoryCollector)(nil)
