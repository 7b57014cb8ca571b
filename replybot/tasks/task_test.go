package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/room-replybot/replybot/behavior"
	"github.com/ZanzyTHEbar/room-replybot/replybot/coordination/adapters"
	"github.com/ZanzyTHEbar/room-replybot/replybot/coordination/notice"
	"github.com/ZanzyTHEbar/room-replybot/replybot/coordination/perspective"
	"github.com/ZanzyTHEbar/room-replybot/replybot/coordination/replylock"
	"github.com/ZanzyTHEbar/room-replybot/replybot/generation/harness"
	"github.com/ZanzyTHEbar/room-replybot/replybot/health"
	"github.com/ZanzyTHEbar/room-replybot/replybot/jobs"
	"github.com/ZanzyTHEbar/room-replybot/replybot/statistics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHealth struct {
	snapshots map[health.ScopeKind]health.Snapshot
	err       error
	delay     time.Duration
}

func (s stubHealth) GetHealth(ctx context.Context, scope health.Scope) (health.Snapshot, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return health.Snapshot{}, ctx.Err()
		}
	}
	if s.err != nil {
		return health.Snapshot{}, s.err
	}
	if snap, ok := s.snapshots[scope.Kind]; ok {
		return snap, nil
	}
	return health.Neutral(scope, time.Now()), nil
}

// countingCollector wraps the memory collector and keeps every outcome.
type countingCollector struct {
	*statistics.MemoryCollector
	mu       sync.Mutex
	outcomes []statistics.Outcome
}

func newCountingCollector() *countingCollector {
	return &countingCollector{MemoryCollector: statistics.NewMemoryCollector()}
}

func (c *countingCollector) Record(ctx context.Context, o statistics.Outcome) error {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, o)
	c.mu.Unlock()
	return c.MemoryCollector.Record(ctx, o)
}

func (c *countingCollector) recorded() []statistics.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]statistics.Outcome(nil), c.outcomes...)
}

type stubGenerator struct {
	fn func(ctx context.Context, req harness.Request) (harness.Reply, error)
}

func (g stubGenerator) Generate(ctx context.Context, req harness.Request) (harness.Reply, error) {
	return g.fn(ctx, req)
}

type stubTranscript struct {
	mu         sync.Mutex
	posted     []string
	incoming   []string
	onIncoming func()
}

func (s *stubTranscript) Post(ctx context.Context, roomID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted = append(s.posted, roomID+": "+text)
	return nil
}

func (s *stubTranscript) RecordIncoming(ctx context.Context, roomID, authorID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incoming = append(s.incoming, text)
	if s.onIncoming != nil {
		s.onIncoming()
	}
	return nil
}

type fixture struct {
	store      *adapters.MemoryStore
	lock       *replylock.Lock
	stats      *countingCollector
	transcript *stubTranscript
	registry   *prometheus.Registry
	deps       Deps
	settings   Settings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := adapters.NewMemoryStore(0)
	rotator, err := perspective.NewRotator(store, []perspective.Perspective{"companion", "coach", "analyst"}, "", zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{
		store:      store,
		lock:       replylock.New(store, zerolog.Nop()),
		stats:      newCountingCollector(),
		transcript: &stubTranscript{},
		registry:   prometheus.NewRegistry(),
	}
	f.deps = Deps{
		Lock:         f.lock,
		Notices:      notice.NewGate(store, zerolog.Nop()),
		Health:       stubHealth{},
		Statistics:   f.stats,
		Perspectives: rotator,
		Generator: stubGenerator{fn: func(ctx context.Context, req harness.Request) (harness.Reply, error) {
			return harness.Reply{Text: "[" + req.Perspective + "] on it"}, nil
		}},
		Transcript: f.transcript,
		Metrics:    NewMetrics(f.registry),
		Logger:     zerolog.Nop(),
	}
	f.settings = Settings{
		LockTTL:          time.Minute,
		HealthBudget:     50 * time.Millisecond,
		StatisticsBudget: 50 * time.Millisecond,
		Thresholds:       behavior.DefaultThresholds(),
	}
	return f
}

func (f *fixture) task(kind Kind) *Task {
	return New(kind, f.deps, f.settings)
}

func direct(room, text string) Trigger {
	return Trigger{RoomID: room, WorkspaceID: "ws-1", OrganizationID: "org-1", AuthorID: "u-1", Text: text}
}

func TestRun_DirectReply(t *testing.T) {
	f := newFixture(t)
	task := f.task(KindAIChatReply)

	res, err := task.Run(context.Background(), direct("room-1", "can you summarize?"))
	require.NoError(t, err)

	assert.True(t, res.Acquired)
	assert.Equal(t, behavior.KindNormalReply, res.Behavior)
	assert.True(t, res.Outcome.Sent)
	assert.Equal(t, perspective.Perspective("companion"), res.Outcome.Perspective)
	assert.Equal(t, []State{
		StateStart, StateLockAttempted, StateEvaluating, StateExecuting, StateRecording, StateReleased, StateDone,
	}, res.Trail)
	assert.Empty(t, res.Degraded)

	assert.Equal(t, []string{"room-1: [companion] on it"}, f.transcript.posted)
	assert.Equal(t, []string{"can you summarize?"}, f.transcript.incoming)

	recorded := f.stats.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, "ai_chat_reply", recorded[0].TaskKind)
	assert.Equal(t, "normal_reply", recorded[0].Behavior)
	assert.Equal(t, "companion", recorded[0].Perspective)
	assert.True(t, recorded[0].Sent)

	_, live, err := f.lock.Inspect(context.Background(), "room-1")
	require.NoError(t, err)
	assert.False(t, live, "lock released")

	res, err = task.Run(context.Background(), direct("room-1", "thanks"))
	require.NoError(t, err)
	assert.Equal(t, perspective.Perspective("coach"), res.Outcome.Perspective, "perspective rotates per room")
}

func TestRun_ConcurrentTriggersOneWinner(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.deps.Generator = stubGenerator{fn: func(ctx context.Context, req harness.Request) (harness.Reply, error) {
		<-release
		return harness.Reply{Text: "hello"}, nil
	}}
	task := f.task(KindAIChatReply)

	const n = 8
	at := time.Now()
	results := make(chan Result, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			trig := direct("room-42", "ping")
			trig.At = at
			res, err := task.Run(context.Background(), trig)
			errs <- err
			results <- res
		}()
	}

	// The winner is parked in the generator, so every other run must observe a busy lock.
	for i := 0; i < n-1; i++ {
		require.NoError(t, <-errs)
		res := <-results
		assert.False(t, res.Acquired)
		assert.Equal(t, StateDone, res.State)
		assert.Contains(t, res.Trail, StateSkipped)
	}
	close(release)
	require.NoError(t, <-errs)
	winner := <-results
	assert.True(t, winner.Acquired)
	assert.True(t, winner.Outcome.Sent)

	assert.Len(t, f.stats.recorded(), 1, "skipped runs record nothing")
	assert.Len(t, f.transcript.posted, 1)
}

func TestRun_DegradedHealthStillDecides(t *testing.T) {
	tests := []struct {
		name   string
		health health.Provider
	}{
		{"provider error", stubHealth{err: errors.New("metrics warehouse down")}},
		{"provider timeout", stubHealth{delay: time.Second}},
		{"no provider", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.deps.Health = tt.health

			res, err := f.task(KindAIChatReply).Run(context.Background(), direct("room-1", "hi"))
			require.NoError(t, err)
			assert.Equal(t, behavior.KindNormalReply, res.Behavior)
			assert.Equal(t, []string{"workspace_health", "organization_health"}, res.Degraded)

			res, err = f.task(KindGroupChatReply).Run(context.Background(), Trigger{RoomID: "room-2", WorkspaceID: "ws-1", OrganizationID: "org-1"})
			require.NoError(t, err)
			assert.Equal(t, behavior.KindSilent, res.Behavior, "quiet group with neutral inputs stays silent")
			assert.False(t, res.Outcome.Sent)
		})
	}
}

func TestRun_ExecutionPanicReleasesLock(t *testing.T) {
	f := newFixture(t)
	f.deps.Generator = stubGenerator{fn: func(ctx context.Context, req harness.Request) (harness.Reply, error) {
		panic("tokenizer exploded")
	}}
	task := f.task(KindAIChatReply)

	res, err := task.Run(context.Background(), direct("room-7", "hello?"))
	require.NoError(t, err, "execution failures are not task failures")
	require.Error(t, res.ExecError)
	assert.Contains(t, res.ExecError.Error(), "tokenizer exploded")
	assert.False(t, res.Outcome.Sent)
	assert.Equal(t, StateDone, res.State)

	_, live, err := f.lock.Inspect(context.Background(), "room-7")
	require.NoError(t, err)
	assert.False(t, live)

	lease, ok, err := f.lock.Acquire(context.Background(), "room-7", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "room is immediately acquirable again")
	_, _ = f.lock.Release(context.Background(), "room-7", lease.Token)

	recorded := f.stats.recorded()
	require.Len(t, recorded, 1)
	assert.False(t, recorded[0].Sent)
	assert.Contains(t, recorded[0].Error, "tokenizer exploded")
}

func TestRun_GenerationErrorIsSilentFailure(t *testing.T) {
	f := newFixture(t)
	f.deps.Generator = stubGenerator{fn: func(ctx context.Context, req harness.Request) (harness.Reply, error) {
		return harness.Reply{}, harness.ErrEmptyReply
	}}

	res, err := f.task(KindAIChatReply).Run(context.Background(), direct("room-1", "hi"))
	require.NoError(t, err)
	assert.ErrorIs(t, res.ExecError, harness.ErrEmptyReply)
	assert.Empty(t, f.transcript.posted)
}

func TestRun_HealthNoticeOncePerDay(t *testing.T) {
	f := newFixture(t)
	critical := health.Neutral(health.Scope{Kind: health.ScopeWorkspace, ID: "ws-1"}, time.Now())
	critical.Neutral = false
	critical.Scores[health.DimensionDelivery] = 15
	f.deps.Health = stubHealth{snapshots: map[health.ScopeKind]health.Snapshot{health.ScopeWorkspace: critical}}

	var facts [][]string
	f.deps.Generator = stubGenerator{fn: func(ctx context.Context, req harness.Request) (harness.Reply, error) {
		facts = append(facts, req.Facts)
		return harness.Reply{Text: "heads up"}, nil
	}}
	task := f.task(KindGroupChatReply)

	res, err := task.Run(context.Background(), Trigger{RoomID: "room-1", WorkspaceID: "ws-1", OrganizationID: "org-1", Text: "standup?"})
	require.NoError(t, err)
	assert.Equal(t, behavior.KindWorkspaceHealth, res.Behavior)
	assert.True(t, res.Outcome.Sent)
	require.Len(t, facts, 1)
	assert.Equal(t, []string{"workspace delivery score is 15/100"}, facts[0])

	res, err = task.Run(context.Background(), Trigger{RoomID: "room-1", WorkspaceID: "ws-1", OrganizationID: "org-1", Text: "standup?"})
	require.NoError(t, err)
	assert.Equal(t, behavior.KindNormalReply, res.Behavior, "notice cap reached, regular reply instead")
}

func criticalWorkspace(id string) health.Snapshot {
	snap := health.Neutral(health.Scope{Kind: health.ScopeWorkspace, ID: id}, time.Now())
	snap.Neutral = false
	snap.Scores[health.DimensionDelivery] = 15
	return snap
}

func TestRun_NoticeBudgetSharedAcrossRooms(t *testing.T) {
	f := newFixture(t)
	f.deps.Health = stubHealth{snapshots: map[health.ScopeKind]health.Snapshot{health.ScopeWorkspace: criticalWorkspace("ws-1")}}

	started := make(chan string, 2)
	release := make(chan struct{})
	f.deps.Generator = stubGenerator{fn: func(ctx context.Context, req harness.Request) (harness.Reply, error) {
		started <- req.RoomID
		<-release
		if len(req.Facts) > 0 {
			return harness.Reply{Text: "heads up"}, nil
		}
		return harness.Reply{Text: "morning"}, nil
	}}
	task := f.task(KindGroupChatReply)

	results := make(chan Result, 2)
	for _, room := range []string{"room-a", "room-b"} {
		go func(room string) {
			res, err := task.Run(context.Background(), Trigger{RoomID: room, WorkspaceID: "ws-1", OrganizationID: "org-1", Text: "standup?"})
			assert.NoError(t, err)
			results <- res
		}(room)
	}

	// Both rooms are generating before either has recorded an outcome, so the
	// statistics count reads zero for both.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("both rooms should reach generation")
		}
	}
	close(release)

	kinds := map[behavior.Kind]int{}
	var declined [][]behavior.Kind
	for i := 0; i < 2; i++ {
		res := <-results
		assert.True(t, res.Outcome.Sent)
		kinds[res.Behavior]++
		if res.Behavior == behavior.KindNormalReply {
			declined = append(declined, res.Declined)
		}
	}
	assert.Equal(t, map[behavior.Kind]int{behavior.KindWorkspaceHealth: 1, behavior.KindNormalReply: 1}, kinds)
	assert.Equal(t, [][]behavior.Kind{{behavior.KindWorkspaceHealth}}, declined)

	res, err := task.Run(context.Background(), Trigger{RoomID: "room-c", WorkspaceID: "ws-1", OrganizationID: "org-1", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, behavior.KindNormalReply, res.Behavior, "budget stays spent for the rest of the day")
}

func TestRun_UnsentNoticeReturnsItsSlot(t *testing.T) {
	f := newFixture(t)
	f.deps.Health = stubHealth{snapshots: map[health.ScopeKind]health.Snapshot{health.ScopeWorkspace: criticalWorkspace("ws-1")}}

	calls := 0
	f.deps.Generator = stubGenerator{fn: func(ctx context.Context, req harness.Request) (harness.Reply, error) {
		calls++
		if calls == 1 {
			return harness.Reply{}, errors.New("provider overloaded")
		}
		return harness.Reply{Text: "heads up"}, nil
	}}
	task := f.task(KindGroupChatReply)
	trig := Trigger{RoomID: "room-1", WorkspaceID: "ws-1", OrganizationID: "org-1", Text: "standup?"}

	res, err := task.Run(context.Background(), trig)
	require.NoError(t, err)
	assert.Equal(t, behavior.KindWorkspaceHealth, res.Behavior)
	assert.False(t, res.Outcome.Sent)

	res, err = task.Run(context.Background(), trig)
	require.NoError(t, err)
	assert.Equal(t, behavior.KindWorkspaceHealth, res.Behavior, "a failed notice does not spend the budget")
	assert.True(t, res.Outcome.Sent)
}

func TestRun_IncomingRecordPanicIsContained(t *testing.T) {
	f := newFixture(t)
	f.transcript.onIncoming = func() { panic("transcript index corrupted") }
	task := f.task(KindAIChatReply)

	res, err := task.Run(context.Background(), direct("room-9", "hello?"))
	require.NoError(t, err, "a panicking transcript write must not fail the task")
	assert.Equal(t, behavior.KindNormalReply, res.Behavior)
	assert.True(t, res.Outcome.Sent)
	assert.Equal(t, StateDone, res.State)

	_, live, err := f.lock.Inspect(context.Background(), "room-9")
	require.NoError(t, err)
	assert.False(t, live)

	payload, err := direct("room-9", "again").Encode()
	require.NoError(t, err)
	assert.NoError(t, task.Handle(context.Background(), jobs.Job{Kind: string(KindAIChatReply), Payload: payload}), "nothing for the dispatcher to retry")
}

func TestRun_OrganizationPerspectiveScope(t *testing.T) {
	f := newFixture(t)
	f.settings.OrgPerspective = true
	task := f.task(KindAIChatReply)

	first, err := task.Run(context.Background(), direct("room-1", "a"))
	require.NoError(t, err)
	second, err := task.Run(context.Background(), direct("room-2", "b"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Outcome.Perspective, second.Outcome.Perspective, "rooms of one organization share the rotation")
}

func TestRun_InfrastructureFailureBeforeLock(t *testing.T) {
	f := newFixture(t)
	f.settings.LockTTL = 0

	_, err := f.task(KindAIChatReply).Run(context.Background(), direct("room-1", "hi"))
	assert.ErrorIs(t, err, replylock.ErrInvalidTTL)
	assert.Empty(t, f.stats.recorded())

	_, err = f.task(KindAIChatReply).Run(context.Background(), Trigger{})
	assert.ErrorIs(t, err, ErrMalformedTrigger)
}

func TestHandle(t *testing.T) {
	f := newFixture(t)
	task := f.task(KindAIChatReply)

	payload, err := direct("room-1", "hi").Encode()
	require.NoError(t, err)
	require.NoError(t, task.Handle(context.Background(), jobs.Job{Kind: string(KindAIChatReply), Payload: payload}))
	assert.Len(t, f.transcript.posted, 1)

	err = task.Handle(context.Background(), jobs.Job{Payload: []byte(`{"text":"no room"}`)})
	assert.ErrorIs(t, err, ErrMalformedTrigger)
}

func TestSetThresholds(t *testing.T) {
	f := newFixture(t)
	task := f.task(KindGroupChatReply)

	th := behavior.DefaultThresholds()
	th.MaxGroupRepliesPerHour = 0
	task.SetThresholds(th)

	res, err := task.Run(context.Background(), Trigger{RoomID: "room-1", Text: "anyone?"})
	require.NoError(t, err)
	assert.Equal(t, behavior.KindSilent, res.Behavior)
}
