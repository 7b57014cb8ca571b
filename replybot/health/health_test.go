package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/room-replybot/replybot/db/dbtest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	snap  Snapshot
	err   error
	delay time.Duration
	panic bool
}

func (s stubProvider) GetHealth(ctx context.Context, scope Scope) (Snapshot, error) {
	if s.panic {
		panic("provider bug")
	}
	if s.delay > 0 {
		// Ignores ctx on purpose to model a provider that does not honour cancellation.
		time.Sleep(s.delay)
	}
	return s.snap, s.err
}

var ws = Scope{Kind: ScopeWorkspace, ID: "ws-1"}

func TestNeutralSnapshot(t *testing.T) {
	snap := Neutral(ws, time.Now())
	assert.True(t, snap.Neutral)
	for _, d := range Dimensions {
		assert.Equal(t, NeutralScore, snap.Score(d))
	}
	assert.InDelta(t, NeutralScore, snap.Overall(), 1e-9)
	assert.False(t, snap.IsCritical(DefaultCriticalThreshold))
}

func TestSnapshotScoring(t *testing.T) {
	snap := Snapshot{Scope: ws, Scores: map[Dimension]float64{
		DimensionActivity:       80,
		DimensionDelivery:       20,
		DimensionCollaboration:  30,
		DimensionResponsiveness: 80,
	}}

	// (80*1 + 20*1.5 + 30*1 + 80*1.5) / 5
	assert.InDelta(t, 52.0, snap.Overall(), 1e-9)
	assert.Equal(t, []Dimension{DimensionDelivery, DimensionCollaboration}, snap.Critical(35))

	d, v := snap.Weakest()
	assert.Equal(t, DimensionDelivery, d)
	assert.Equal(t, 20.0, v)

	partial := Snapshot{Scores: map[Dimension]float64{DimensionActivity: 10}}
	assert.Equal(t, NeutralScore, partial.Score(DimensionDelivery), "missing dimensions read as neutral")
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	log := zerolog.Nop()

	t.Run("success is normalized", func(t *testing.T) {
		snap, degraded := Fetch(ctx, stubProvider{snap: Snapshot{Scores: map[Dimension]float64{
			DimensionActivity: 140,
			DimensionDelivery: -3,
		}}}, ws, time.Second, log)
		assert.False(t, degraded)
		assert.Equal(t, ws, snap.Scope)
		assert.Equal(t, MaxScore, snap.Score(DimensionActivity))
		assert.Equal(t, MinScore, snap.Score(DimensionDelivery))
		assert.Len(t, snap.Scores, len(Dimensions))
		assert.False(t, snap.ComputedAt.IsZero())
	})

	t.Run("error degrades to neutral", func(t *testing.T) {
		snap, degraded := Fetch(ctx, stubProvider{err: errors.New("backend down")}, ws, time.Second, log)
		assert.True(t, degraded)
		assert.True(t, snap.Neutral)
	})

	t.Run("timeout degrades to neutral", func(t *testing.T) {
		start := time.Now()
		snap, degraded := Fetch(ctx, stubProvider{delay: 500 * time.Millisecond}, ws, 20*time.Millisecond, log)
		assert.True(t, degraded)
		assert.True(t, snap.Neutral)
		assert.Less(t, time.Since(start), 400*time.Millisecond)
	})

	t.Run("panic degrades to neutral", func(t *testing.T) {
		snap, degraded := Fetch(ctx, stubProvider{panic: true}, ws, time.Second, log)
		assert.True(t, degraded)
		assert.True(t, snap.Neutral)
	})

	t.Run("empty scope is neutral but not degraded", func(t *testing.T) {
		snap, degraded := Fetch(ctx, stubProvider{err: errors.New("unused")}, Scope{Kind: ScopeOrganization}, time.Second, log)
		assert.False(t, degraded)
		assert.True(t, snap.Neutral)
	})

	t.Run("nil provider degrades", func(t *testing.T) {
		_, degraded := Fetch(ctx, nil, ws, time.Second, log)
		assert.True(t, degraded)
	})
}

func TestLibSQLProvider(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.Open(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	p := NewLibSQLProvider(conn, 24*time.Hour)
	p.now = func() time.Time { return now }

	snap, err := p.GetHealth(ctx, ws)
	require.NoError(t, err)
	assert.True(t, snap.Neutral, "no signals yet")

	require.NoError(t, RecordSignal(ctx, conn, ws, DimensionDelivery, 70, now.Add(-2*time.Hour)))
	require.NoError(t, RecordSignal(ctx, conn, ws, DimensionDelivery, 25, now.Add(-time.Hour)))
	require.NoError(t, RecordSignal(ctx, conn, ws, DimensionActivity, 10, now.Add(-48*time.Hour)))
	require.NoError(t, RecordSignal(ctx, conn, Scope{Kind: ScopeOrganization, ID: "ws-1"}, DimensionCollaboration, 5, now))

	snap, err = p.GetHealth(ctx, ws)
	require.NoError(t, err)
	assert.False(t, snap.Neutral)
	assert.Equal(t, 25.0, snap.Score(DimensionDelivery), "newest signal wins")
	assert.Equal(t, NeutralScore, snap.Score(DimensionActivity), "stale signal ignored")
	assert.Equal(t, NeutralScore, snap.Score(DimensionCollaboration), "other scope kind ignored")

	_, err = p.GetHealth(ctx, Scope{Kind: ScopeWorkspace})
	assert.ErrorIs(t, err, ErrInvalidScope)
	assert.ErrorIs(t, RecordSignal(ctx, conn, Scope{}, DimensionDelivery, 1, now), ErrInvalidScope)
}
