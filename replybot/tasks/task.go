// Package tasks runs reply tasks: take the room's reply lock, gather health and
// statistics, choose a behavior, execute it, record the outcome, and release
// the lock on every exit path.
package tasks

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/room-replybot/replybot/behavior"
	"github.com/ZanzyTHEbar/room-replybot/replybot/config"
	"github.com/ZanzyTHEbar/room-replybot/replybot/coordination/notice"
	"github.com/ZanzyTHEbar/room-replybot/replybot/coordination/perspective"
	"github.com/ZanzyTHEbar/room-replybot/replybot/coordination/replylock"
	ports "github.com/ZanzyTHEbar/room-replybot/replybot/generation/harness/ports"
	"github.com/ZanzyTHEbar/room-replybot/replybot/health"
	"github.com/ZanzyTHEbar/room-replybot/replybot/jobs"
	"github.com/ZanzyTHEbar/room-replybot/replybot/statistics"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// State is a step of a task run.
type State string

const (
	StateStart         State = "start"
	StateLockAttempted State = "lock_attempted"
	StateSkipped       State = "skipped"
	StateEvaluating    State = "evaluating"
	StateExecuting     State = "executing"
	StateRecording     State = "recording"
	StateReleased      State = "released"
	StateDone          State = "done"
)

// Transcript is where the bot reads and writes room messages.
type Transcript interface {
	behavior.Poster
	RecordIncoming(ctx context.Context, roomID, authorID, text string) error
}

// Deps are the collaborators a task runs against.
type Deps struct {
	Lock         *replylock.Lock
	Notices      *notice.Gate // nil leaves the notice cap to statistics alone
	Health       health.Provider
	Statistics   statistics.Collector
	Perspectives behavior.PerspectiveSource
	Generator    behavior.Generator
	Transcript   Transcript
	Selector     *behavior.Selector
	Tracer       ports.Tracer
	Metrics      *Metrics
	Logger       zerolog.Logger
}

// Settings tune a task.
type Settings struct {
	LockTTL          time.Duration
	HealthBudget     time.Duration
	StatisticsBudget time.Duration
	OrgPerspective   bool // rotate perspectives per organization instead of per room
	Thresholds       behavior.Thresholds
}

// SettingsFromConfig derives task settings from the loaded configuration.
func SettingsFromConfig(c *config.Config) Settings {
	return Settings{
		LockTTL:          c.Lock.TTL(),
		HealthBudget:     c.Bot.HealthBudget,
		StatisticsBudget: c.Bot.StatisticsBudget,
		OrgPerspective:   c.Bot.PerspectiveScope == "organization",
		Thresholds:       behavior.ThresholdsFromConfig(c.Bot),
	}
}

// Result describes one run.
type Result struct {
	State     State // last state reached, StateDone on normal completion
	Trail     []State
	Acquired  bool
	Behavior  behavior.Kind
	Declined  []behavior.Kind // notices passed over because their daily budget was spent
	Outcome   behavior.Outcome
	ExecError error // execution failure; never returned from Run
	Degraded  []string
}

func (r *Result) enter(s State) {
	r.State = s
	r.Trail = append(r.Trail, s)
}

// Task is a reply task of one kind.
type Task struct {
	kind       Kind
	deps       Deps
	settings   Settings
	thresholds atomic.Pointer[behavior.Thresholds]
	now        func() time.Time
}

// New builds a task. A nil selector uses the default behavior set.
func New(kind Kind, deps Deps, settings Settings) *Task {
	if deps.Selector == nil {
		deps.Selector = behavior.DefaultSelector()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	deps.Logger = deps.Logger.With().Str("task_kind", string(kind)).Logger()

	t := &Task{kind: kind, deps: deps, settings: settings, now: time.Now}
	th := settings.Thresholds
	t.thresholds.Store(&th)
	return t
}

// Kind reports the task kind.
func (t *Task) Kind() Kind { return t.kind }

// SetThresholds swaps the selection thresholds; runs already evaluating keep
// the old values.
func (t *Task) SetThresholds(th behavior.Thresholds) {
	t.thresholds.Store(&th)
}

// Handle adapts the task to the job dispatcher.
func (t *Task) Handle(ctx context.Context, job jobs.Job) error {
	trig, err := DecodeTrigger(job.Payload)
	if err != nil {
		t.deps.Metrics.results.WithLabelValues(string(t.kind), "malformed").Inc()
		return err
	}
	_, err = t.Run(ctx, trig)
	return err
}

// Run executes the task for one trigger. It returns an error only when the
// lock could not be attempted; contention and execution failures complete
// with a nil error.
func (t *Task) Run(ctx context.Context, trig Trigger) (res Result, err error) {
	res.enter(StateStart)
	if trig.RoomID == "" {
		t.deps.Metrics.results.WithLabelValues(string(t.kind), "malformed").Inc()
		return res, fmt.Errorf("%w: room_id is required", ErrMalformedTrigger)
	}
	if trig.At.IsZero() {
		trig.At = t.now()
	}

	log := t.deps.Logger.With().
		Str("room_id", trig.RoomID).
		Str("workspace_id", trig.WorkspaceID).
		Str("organization_id", trig.OrganizationID).
		Logger()

	if t.deps.Tracer != nil {
		var finish func(error)
		ctx, finish = t.deps.Tracer.StartSpan(ctx, "reply_task", map[string]any{
			"task_kind": string(t.kind),
			"room_id":   trig.RoomID,
		})
		defer func() { finish(err) }()
	}

	start := t.now()
	res.enter(StateLockAttempted)
	acquired, err := t.deps.Lock.WithLock(ctx, trig.RoomID, t.settings.LockTTL, func(ctx context.Context, _ replylock.Lease) error {
		t.runLocked(ctx, log, trig, &res)
		return nil
	})
	if err != nil {
		t.deps.Metrics.results.WithLabelValues(string(t.kind), "error").Inc()
		log.Error().Err(err).Msg("reply task could not attempt the room lock")
		return res, err
	}

	if !acquired {
		res.enter(StateSkipped)
		res.enter(StateDone)
		t.deps.Metrics.contention.WithLabelValues(string(t.kind)).Inc()
		t.deps.Metrics.results.WithLabelValues(string(t.kind), "skipped").Inc()
		log.Debug().Str("state", string(StateSkipped)).Msg("room busy, skipping reply")
		return res, nil
	}

	res.Acquired = true
	res.enter(StateReleased)
	res.enter(StateDone)

	result := "silent"
	switch {
	case res.ExecError != nil:
		result = "failed"
	case res.Outcome.Sent:
		result = "sent"
	}
	t.deps.Metrics.results.WithLabelValues(string(t.kind), result).Inc()
	t.deps.Metrics.duration.WithLabelValues(string(t.kind)).Observe(t.now().Sub(start).Seconds())

	log.Info().
		Str("behavior", string(res.Behavior)).
		Str("perspective", string(res.Outcome.Perspective)).
		Bool("sent", res.Outcome.Sent).
		Dur("duration", t.now().Sub(start)).
		Msg("reply task done")
	return res, nil
}

func (t *Task) runLocked(ctx context.Context, log zerolog.Logger, trig Trigger, res *Result) {
	t.recordIncoming(ctx, log, trig)

	res.enter(StateEvaluating)
	in := t.evaluate(ctx, log, trig, res)
	chosen, slot, claimed := t.choose(ctx, log, in, res)
	res.Behavior = chosen.Kind
	t.deps.Metrics.behaviors.WithLabelValues(string(chosen.Kind)).Inc()

	res.enter(StateExecuting)
	res.Outcome, res.ExecError = t.execute(ctx, chosen, in)
	if res.ExecError != nil {
		log.Warn().Err(res.ExecError).Str("behavior", string(chosen.Kind)).Msg("behavior execution failed, no reply sent")
	}
	if claimed && !res.Outcome.Sent {
		t.releaseNotice(ctx, log, slot)
	}

	res.enter(StateRecording)
	t.record(ctx, log, trig, *res)
}

// recordIncoming is best effort and must not take the run down with it.
func (t *Task) recordIncoming(ctx context.Context, log zerolog.Logger, trig Trigger) {
	if trig.Text == "" || t.deps.Transcript == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("recording incoming message panicked")
		}
	}()
	if err := t.deps.Transcript.RecordIncoming(ctx, trig.RoomID, trig.AuthorID, trig.Text); err != nil {
		log.Warn().Err(err).Msg("could not record incoming message")
	}
}

// choose selects a behavior and, for health notices, claims a slot of the
// scope's daily budget in the shared store. Rooms of one workspace hold
// different reply locks, so the statistics count alone cannot stop two of
// them from posting the same notice. A notice whose budget is spent is
// excluded and selection runs again.
func (t *Task) choose(ctx context.Context, log zerolog.Logger, in behavior.Input, res *Result) (behavior.Behavior, notice.Slot, bool) {
	for {
		chosen := t.deps.Selector.Select(in)
		if t.deps.Notices == nil {
			return chosen, notice.Slot{}, false
		}

		var level, id string
		switch chosen.Kind {
		case behavior.KindWorkspaceHealth:
			level, id = "workspace", in.WorkspaceID
		case behavior.KindOrganizationHealth:
			level, id = "organization", in.OrganizationID
		default:
			return chosen, notice.Slot{}, false
		}
		if slices.Contains(res.Declined, chosen.Kind) {
			return behavior.Silent, notice.Slot{}, false
		}

		slot, ok, err := t.deps.Notices.Claim(ctx, level, id, in.Thresholds.MaxNoticesPerDay)
		if err != nil {
			// Without a slot the notice could exceed the cap, so it is skipped.
			log.Warn().Err(err).Str("behavior", string(chosen.Kind)).Msg("could not claim notice slot")
		}
		if ok {
			return chosen, slot, true
		}

		res.Declined = append(res.Declined, chosen.Kind)
		if chosen.Kind == behavior.KindWorkspaceHealth {
			in.Stats.WorkspaceNoticesLastDay = in.Thresholds.MaxNoticesPerDay
		} else {
			in.Stats.OrganizationNoticesLastDay = in.Thresholds.MaxNoticesPerDay
		}
	}
}

func (t *Task) releaseNotice(ctx context.Context, log zerolog.Logger, slot notice.Slot) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if _, err := t.deps.Notices.Release(releaseCtx, slot); err != nil {
		log.Warn().Err(err).Msg("could not release unused notice slot")
	}
}

// evaluate gathers health and statistics concurrently. Both lookups degrade
// to neutral snapshots on failure.
func (t *Task) evaluate(ctx context.Context, log zerolog.Logger, trig Trigger, res *Result) behavior.Input {
	statsScope := statistics.Scope{
		RoomID:         trig.RoomID,
		WorkspaceID:    trig.WorkspaceID,
		OrganizationID: trig.OrganizationID,
	}

	in := behavior.Input{
		RoomID:         trig.RoomID,
		WorkspaceID:    trig.WorkspaceID,
		OrganizationID: trig.OrganizationID,
		Trigger: behavior.Trigger{
			Kind:     t.kind.TriggerKind(),
			AuthorID: trig.AuthorID,
			Text:     trig.Text,
			At:       trig.At,
		},
		Thresholds: *t.thresholds.Load(),
	}

	var wsDegraded, orgDegraded, statsDegraded bool
	var wg conc.WaitGroup
	wg.Go(func() {
		scope := health.Scope{Kind: health.ScopeWorkspace, ID: trig.WorkspaceID}
		in.Workspace, wsDegraded = health.Fetch(ctx, t.deps.Health, scope, t.settings.HealthBudget, log)
	})
	wg.Go(func() {
		scope := health.Scope{Kind: health.ScopeOrganization, ID: trig.OrganizationID}
		in.Organization, orgDegraded = health.Fetch(ctx, t.deps.Health, scope, t.settings.HealthBudget, log)
	})
	wg.Go(func() {
		in.Stats, statsDegraded = statistics.Fetch(ctx, t.deps.Statistics, statsScope, t.settings.StatisticsBudget, log)
	})
	wg.Wait()

	for _, d := range []struct {
		input    string
		degraded bool
	}{
		{"workspace_health", wsDegraded},
		{"organization_health", orgDegraded},
		{"statistics", statsDegraded},
	} {
		if d.degraded {
			res.Degraded = append(res.Degraded, d.input)
			t.deps.Metrics.degraded.WithLabelValues(d.input).Inc()
		}
	}
	return in
}

func (t *Task) execute(ctx context.Context, b behavior.Behavior, in behavior.Input) (out behavior.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("behavior %s panicked: %v", b.Kind, r)
			t.deps.Logger.Error().
				Str("room_id", in.RoomID).
				Str("stack", string(debug.Stack())).
				Msg("behavior execution panicked")
		}
	}()

	env := behavior.Env{
		Generator:    t.deps.Generator,
		Poster:       t.deps.Transcript,
		Perspectives: t.deps.Perspectives,
		Scope:        perspective.RoomScope(in.RoomID),
	}
	if t.settings.OrgPerspective && in.OrganizationID != "" {
		env.Scope = perspective.OrganizationScope(in.OrganizationID)
	}
	return b.Execute(ctx, env, in)
}

// record is best effort: a failed write only costs future decisions.
func (t *Task) record(ctx context.Context, log zerolog.Logger, trig Trigger, res Result) {
	if t.deps.Statistics == nil {
		return
	}
	outcome := statistics.Outcome{
		Scope: statistics.Scope{
			RoomID:         trig.RoomID,
			WorkspaceID:    trig.WorkspaceID,
			OrganizationID: trig.OrganizationID,
		},
		TaskKind:    string(t.kind),
		Behavior:    string(res.Behavior),
		Perspective: string(res.Outcome.Perspective),
		Sent:        res.Outcome.Sent,
		At:          t.now(),
	}
	if res.ExecError != nil {
		outcome.Error = res.ExecError.Error()
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := t.deps.Statistics.Record(recordCtx, outcome); err != nil {
		log.Warn().Err(err).Msg("could not record reply outcome")
	}
}

const recordTimeout = 5 * time.Second
