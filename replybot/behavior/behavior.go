// Package behavior decides how a bot responds to a trigger. Behaviors are a
// fixed set of tagged variants, each with a pure applicability predicate and
// an execution function. The Selector evaluates predicates in priority order
// and returns the first match; Silent always matches, so selection is total.
package behavior

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/room-replybot/replybot/config"
	"github.com/ZanzyTHEbar/room-replybot/replybot/coordination/perspective"
	"github.com/ZanzyTHEbar/room-replybot/replybot/generation/harness"
	"github.com/ZanzyTHEbar/room-replybot/replybot/health"
	"github.com/ZanzyTHEbar/room-replybot/replybot/statistics"
)

// Kind tags a behavior variant.
type Kind string

const (
	KindSilent             Kind = "silent"
	KindNormalReply        Kind = "normal_reply"
	KindWorkspaceHealth    Kind = statistics.WorkspaceNoticeBehavior
	KindOrganizationHealth Kind = statistics.OrganizationNoticeBehavior
)

// TriggerKind distinguishes a direct address from group traffic.
type TriggerKind string

const (
	TriggerDirect TriggerKind = "direct" // the bot was mentioned or messaged
	TriggerGroup  TriggerKind = "group"  // broadcast or periodic room activity
)

// Trigger is the event that started a reply task.
type Trigger struct {
	Kind     TriggerKind
	AuthorID string
	Text     string
	At       time.Time
}

// Thresholds tune the predicates.
type Thresholds struct {
	Critical               float64 // health score below which a dimension is critical
	MaxNoticesPerDay       int     // health notices per workspace or organization
	MaxGroupRepliesPerHour int
	MaxSilentStreak        int // group check-in after this many silent outcomes
}

// DefaultThresholds mirrors the configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Critical:               health.DefaultCriticalThreshold,
		MaxNoticesPerDay:       1,
		MaxGroupRepliesPerHour: 6,
		MaxSilentStreak:        5,
	}
}

// ThresholdsFromConfig reads the bot section of the configuration.
func ThresholdsFromConfig(c config.BotConfig) Thresholds {
	return Thresholds{
		Critical:               c.CriticalThreshold,
		MaxNoticesPerDay:       c.MaxNoticesPerDay,
		MaxGroupRepliesPerHour: c.MaxGroupRepliesPerHour,
		MaxSilentStreak:        c.MaxSilentStreak,
	}
}

// Input is everything a predicate may look at.
type Input struct {
	RoomID         string
	WorkspaceID    string
	OrganizationID string
	Workspace      health.Snapshot
	Organization   health.Snapshot
	Stats          statistics.Snapshot
	Trigger        Trigger
	Thresholds     Thresholds
}

// Generator produces reply text.
type Generator interface {
	Generate(ctx context.Context, req harness.Request) (harness.Reply, error)
}

// Poster makes a reply visible in the room.
type Poster interface {
	Post(ctx context.Context, roomID, text string) error
}

// PerspectiveSource hands out the voice for the next reply.
type PerspectiveSource interface {
	Next(ctx context.Context, scope perspective.Scope) perspective.Perspective
}

// Env carries the collaborators behaviors execute against.
type Env struct {
	Generator    Generator
	Poster       Poster
	Perspectives PerspectiveSource
	Scope        perspective.Scope
}

// Outcome is what an execution produced.
type Outcome struct {
	Sent        bool
	Perspective perspective.Perspective
	Text        string
}

// Behavior is one variant.
type Behavior struct {
	Kind     Kind
	Priority int // higher is evaluated first
	Applies  func(in Input) bool
	Execute  func(ctx context.Context, env Env, in Input) (Outcome, error)
}

// Silent never replies. Its predicate is always true and its priority is the
// lowest, so it is the universal fallback.
var Silent = Behavior{
	Kind:     KindSilent,
	Priority: 0,
	Applies:  func(Input) bool { return true },
	Execute: func(context.Context, Env, Input) (Outcome, error) {
		return Outcome{}, nil
	},
}

// NormalReply answers direct triggers, and joins group conversation while
// under the hourly cap.
var NormalReply = Behavior{
	Kind:     KindNormalReply,
	Priority: 100,
	Applies:  normalReplyApplies,
	Execute:  executeNormalReply,
}

// WorkspaceHealth posts a notice about a critical workspace dimension.
var WorkspaceHealth = Behavior{
	Kind:     KindWorkspaceHealth,
	Priority: 200,
	Applies: func(in Input) bool {
		return healthNoticeApplies(in.Workspace, in.Stats.WorkspaceNoticesLastDay, in.Thresholds)
	},
	Execute: func(ctx context.Context, env Env, in Input) (Outcome, error) {
		return executeHealthNotice(ctx, env, in, in.Workspace, "workspace")
	},
}

// OrganizationHealth posts a notice about a critical organization dimension.
var OrganizationHealth = Behavior{
	Kind:     KindOrganizationHealth,
	Priority: 300,
	Applies: func(in Input) bool {
		return healthNoticeApplies(in.Organization, in.Stats.OrganizationNoticesLastDay, in.Thresholds)
	},
	Execute: func(ctx context.Context, env Env, in Input) (Outcome, error) {
		return executeHealthNotice(ctx, env, in, in.Organization, "organization")
	},
}

// Registered lists the behaviors in declaration order. Evaluation order is
// by Priority, not by position here.
func Registered() []Behavior {
	return []Behavior{Silent, NormalReply, WorkspaceHealth, OrganizationHealth}
}

func normalReplyApplies(in Input) bool {
	switch in.Trigger.Kind {
	case TriggerDirect:
		return true
	case TriggerGroup:
		if in.Stats.RepliesLastHour >= in.Thresholds.MaxGroupRepliesPerHour {
			return false
		}
		if strings.TrimSpace(in.Trigger.Text) != "" {
			return true
		}
		return in.Thresholds.MaxSilentStreak > 0 && in.Stats.ConsecutiveSilent >= in.Thresholds.MaxSilentStreak
	default:
		return false
	}
}

// healthNoticeApplies never fires on a neutral snapshot: missing data must not
// produce an alarm.
func healthNoticeApplies(snap health.Snapshot, noticesToday int, th Thresholds) bool {
	if snap.Neutral || snap.Scope.ID == "" {
		return false
	}
	if noticesToday >= th.MaxNoticesPerDay {
		return false
	}
	return snap.IsCritical(th.Critical)
}

var ErrNoGenerator = errors.New("behavior: generator and poster are required")

func executeNormalReply(ctx context.Context, env Env, in Input) (Outcome, error) {
	instruction := "Reply to the latest message in the room."
	if in.Trigger.Kind == TriggerGroup {
		instruction = "Add something useful to the group conversation. If nobody has spoken, post a brief friendly check-in."
	}
	return generateAndPost(ctx, env, in, instruction, nil)
}

func executeHealthNotice(ctx context.Context, env Env, in Input, snap health.Snapshot, level string) (Outcome, error) {
	critical := snap.Critical(in.Thresholds.Critical)
	facts := make([]string, 0, len(critical))
	for _, d := range critical {
		facts = append(facts, fmt.Sprintf("%s %s score is %.0f/100", level, d, snap.Score(d)))
	}

	instruction := fmt.Sprintf(
		"The %s's %s is slipping. Mention it gently, suggest one small concrete step, and answer any pending question.",
		level, critical[0],
	)
	return generateAndPost(ctx, env, in, instruction, facts)
}

func generateAndPost(ctx context.Context, env Env, in Input, instruction string, facts []string) (Outcome, error) {
	if env.Generator == nil || env.Poster == nil {
		return Outcome{}, ErrNoGenerator
	}

	var p perspective.Perspective
	if env.Perspectives != nil {
		p = env.Perspectives.Next(ctx, env.Scope)
	}
	out := Outcome{Perspective: p}

	reply, err := env.Generator.Generate(ctx, harness.Request{
		RoomID:         in.RoomID,
		OrganizationID: in.OrganizationID,
		Perspective:    string(p),
		Instruction:    instruction,
		TriggerText:    in.Trigger.Text,
		Facts:          facts,
	})
	if err != nil {
		return out, fmt.Errorf("generate reply: %w", err)
	}

	if err := env.Poster.Post(ctx, in.RoomID, reply.Text); err != nil {
		return out, fmt.Errorf("post reply: %w", err)
	}

	out.Sent = true
	out.Text = reply.Text
	return out, nil
}

// Selector picks the first applicable behavior in priority order.
type Selector struct {
	behaviors []Behavior
}

// NewSelector orders behaviors by descending Priority, keeping declaration
// order between equal priorities. Silent is appended when absent so that
// selection is always total.
func NewSelector(behaviors ...Behavior) *Selector {
	ordered := make([]Behavior, 0, len(behaviors)+1)
	hasSilent := false
	for _, b := range behaviors {
		if b.Applies == nil || b.Execute == nil {
			continue
		}
		if b.Kind == KindSilent {
			hasSilent = true
		}
		ordered = append(ordered, b)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })
	if !hasSilent {
		ordered = append(ordered, Silent)
	}
	return &Selector{behaviors: ordered}
}

// DefaultSelector evaluates the registered behaviors.
func DefaultSelector() *Selector {
	return NewSelector(Registered()...)
}

// Order returns the evaluation order.
func (s *Selector) Order() []Kind {
	kinds := make([]Kind, len(s.behaviors))
	for i, b := range s.behaviors {
		kinds[i] = b.Kind
	}
	return kinds
}

// Select returns the first behavior whose predicate holds. A predicate that
// panics counts as not applicable.
func (s *Selector) Select(in Input) Behavior {
	for _, b := range s.behaviors {
		if applies(b, in) {
			return b
		}
	}
	return Silent
}

func applies(b Behavior, in Input) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return b.Applies(in)
}
