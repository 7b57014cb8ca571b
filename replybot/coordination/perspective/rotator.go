// Package perspective rotates the voice a bot replies in. The rotation index
// lives in the shared store so every worker advances the same counter.
package perspective

import (
	"context"
	"errors"
	"fmt"

	ports "github.com/ZanzyTHEbar/room-replybot/replybot/coordination/ports"

	"github.com/rs/zerolog"
)

// Perspective identifies a tone/voice variant.
type Perspective string

const keyPrefix = "perspective"

var (
	ErrNoPerspectives   = errors.New("perspective: at least one perspective is required")
	ErrResetUnsupported = errors.New("perspective: store does not support reset")
)

// Scope names the counter a rotation advances.
type Scope string

// RoomScope rotates independently per room.
func RoomScope(roomID string) Scope { return Scope("room:" + roomID) }

// OrganizationScope shares one rotation across every room of an organization.
func OrganizationScope(orgID string) Scope { return Scope("org:" + orgID) }

// Rotator hands out perspectives in round-robin order per scope.
type Rotator struct {
	store        ports.SharedStore
	perspectives []Perspective
	fallback     Perspective
	logger       zerolog.Logger
}

// NewRotator creates a Rotator over a fixed, ordered perspective list.
// fallback is returned whenever the store cannot be reached; when empty the
// first perspective is used.
func NewRotator(store ports.SharedStore, perspectives []Perspective, fallback Perspective, logger zerolog.Logger) (*Rotator, error) {
	if len(perspectives) == 0 {
		return nil, ErrNoPerspectives
	}
	if fallback == "" {
		fallback = perspectives[0]
	}
	list := make([]Perspective, len(perspectives))
	copy(list, perspectives)

	return &Rotator{
		store:        store,
		perspectives: list,
		fallback:     fallback,
		logger:       logger.With().Str("component", "perspective").Logger(),
	}, nil
}

// Perspectives returns the rotation order.
func (r *Rotator) Perspectives() []Perspective {
	out := make([]Perspective, len(r.perspectives))
	copy(out, r.perspectives)
	return out
}

// Default returns the fallback perspective.
func (r *Rotator) Default() Perspective { return r.fallback }

// Next advances the rotation for scope and returns the perspective at the
// new index. It never fails: store errors yield the fallback.
func (r *Rotator) Next(ctx context.Context, scope Scope) Perspective {
	c, err := r.store.IncrementWrap(ctx, r.key(scope), int64(len(r.perspectives)))
	if err != nil {
		r.logger.Warn().Err(err).Str("scope", string(scope)).Str("perspective", string(r.fallback)).Msg("perspective store unavailable, using default")
		return r.fallback
	}
	p := r.perspectives[c.Value]
	r.logger.Debug().
		Str("scope", string(scope)).
		Str("perspective", string(p)).
		Int64("generation", c.Generation).
		Msg("perspective rotated")
	return p
}

// Reset restarts the rotation for scope at the first perspective.
func (r *Rotator) Reset(ctx context.Context, scope Scope) error {
	resetter, ok := r.store.(ports.CounterResetter)
	if !ok {
		return ErrResetUnsupported
	}
	if err := resetter.ResetCounter(ctx, r.key(scope)); err != nil {
		return fmt.Errorf("reset perspective rotation for %s: %w", scope, err)
	}
	return nil
}

func (r *Rotator) key(scope Scope) string {
	return keyPrefix + ":" + string(scope)
}
