// Package health exposes point-in-time health scores for workspaces and
// organizations. Scores are advisory: a caller that cannot obtain them in
// time substitutes a neutral snapshot and carries on.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// ScopeKind is the level a snapshot describes.
type ScopeKind string

const (
	ScopeWorkspace    ScopeKind = "workspace"
	ScopeOrganization ScopeKind = "organization"
)

// Scope identifies a workspace or organization.
type Scope struct {
	Kind ScopeKind
	ID   string
}

func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// Dimension is one scored health signal.
type Dimension string

const (
	DimensionActivity       Dimension = "activity"
	DimensionDelivery       Dimension = "delivery"
	DimensionCollaboration  Dimension = "collaboration"
	DimensionResponsiveness Dimension = "responsiveness"
)

// Dimensions lists every dimension in reporting order.
var Dimensions = []Dimension{
	DimensionActivity,
	DimensionDelivery,
	DimensionCollaboration,
	DimensionResponsiveness,
}

// weights used by Overall, aligned with Dimensions.
var weights = []float64{1, 1.5, 1, 1.5}

const (
	// NeutralScore is the baseline every dimension reports when no data exists.
	NeutralScore = 60.0
	// DefaultCriticalThreshold marks a dimension as needing attention.
	DefaultCriticalThreshold = 35.0

	MinScore = 0.0
	MaxScore = 100.0
)

var ErrInvalidScope = errors.New("health: scope id is empty")

// Snapshot is an immutable set of dimension scores for one scope.
type Snapshot struct {
	Scope      Scope
	Scores     map[Dimension]float64
	ComputedAt time.Time
	// Neutral is true when no dimension carried real data.
	Neutral bool
}

// Neutral returns the baseline snapshot substituted for missing health data.
func Neutral(scope Scope, now time.Time) Snapshot {
	scores := make(map[Dimension]float64, len(Dimensions))
	for _, d := range Dimensions {
		scores[d] = NeutralScore
	}
	return Snapshot{Scope: scope, Scores: scores, ComputedAt: now, Neutral: true}
}

// Score returns the score of d, or NeutralScore when d was not reported.
func (s Snapshot) Score(d Dimension) float64 {
	if v, ok := s.Scores[d]; ok {
		return v
	}
	return NeutralScore
}

// Overall is the weighted mean across all dimensions.
func (s Snapshot) Overall() float64 {
	values := make([]float64, len(Dimensions))
	for i, d := range Dimensions {
		values[i] = s.Score(d)
	}
	return stat.Mean(values, weights)
}

// Critical returns the dimensions scoring below threshold, weakest first.
func (s Snapshot) Critical(threshold float64) []Dimension {
	var out []Dimension
	for _, d := range Dimensions {
		if s.Score(d) < threshold {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return s.Score(out[i]) < s.Score(out[j]) })
	return out
}

// IsCritical reports whether any dimension is below threshold.
func (s Snapshot) IsCritical(threshold float64) bool {
	return len(s.Critical(threshold)) > 0
}

// Weakest returns the lowest-scoring dimension. Ties resolve in Dimensions order.
func (s Snapshot) Weakest() (Dimension, float64) {
	weakest, low := Dimensions[0], s.Score(Dimensions[0])
	for _, d := range Dimensions[1:] {
		if v := s.Score(d); v < low {
			weakest, low = d, v
		}
	}
	return weakest, low
}

// Provider reads health scores for a scope.
type Provider interface {
	GetHealth(ctx context.Context, scope Scope) (Snapshot, error)
}

// Fetch asks p for the scope's snapshot within budget. On error, timeout,
// or a provider that ignores its context, it returns Neutral(scope) and
// degraded=true. An empty scope id is not degraded: there is simply
// nothing to measure.
func Fetch(ctx context.Context, p Provider, scope Scope, budget time.Duration, logger zerolog.Logger) (snap Snapshot, degraded bool) {
	now := time.Now()
	if scope.ID == "" {
		return Neutral(scope, now), false
	}
	if p == nil {
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
				done <- result{err: fmt.Errorf("health provider panic: %v", r)}
			}
		}()
		s, err := p.GetHealth(ctx, scope)
		done <- result{snap: s, err: err}
	}()

	var err error
	select {
	case r := <-done:
		if r.err == nil {
			return normalize(r.snap, scope, now), false
		}
		err = r.err
	case <-ctx.Done():
		err = ctx.Err()
	}

	logger.Warn().Err(err).Str("scope", scope.String()).Msg("health unavailable, using neutral snapshot")
	return Neutral(scope, now), true
}

// normalize clamps scores and fills gaps so predicates never see a partial map.
func normalize(s Snapshot, scope Scope, now time.Time) Snapshot {
	scores := make(map[Dimension]float64, len(Dimensions))
	for _, d := range Dimensions {
		v := s.Score(d)
		if v < MinScore {
			v = MinScore
		}
		if v > MaxScore {
			v = MaxScore
		}
		scores[d] = v
	}
	if s.ComputedAt.IsZero() {
		s.ComputedAt = now
	}
	return Snapshot{Scope: scope, Scores: scores, ComputedAt: s.ComputedAt, Neutral: s.Neutral}
}
