// Package notice rations health notices per workspace or organization across
// every worker. A day's budget of n notices is n slots in the shared store;
// each slot is taken with SetIfAbsent and expires one window after it was
// taken, so no window ever holds more than n notices no matter how many rooms
// race for them.
package notice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	ports "github.com/ZanzyTHEbar/room-replybot/replybot/coordination/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrEmptyScope = errors.New("notice: level and id are required")

const (
	DefaultKeyPrefix = "health-notice"
	DefaultWindow    = 24 * time.Hour
)

// Slot is a claimed notice.
type Slot struct {
	Key   string
	Token string
}

// Gate hands out notice slots.
type Gate struct {
	store  ports.SharedStore
	prefix string
	window time.Duration
	logger zerolog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.window = d
		}
	}
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(g *Gate) {
		if prefix != "" {
			g.prefix = prefix
		}
	}
}

func NewGate(store ports.SharedStore, logger zerolog.Logger, opts ...Option) *Gate {
	g := &Gate{
		store:  store,
		prefix: DefaultKeyPrefix,
		window: DefaultWindow,
		logger: logger.With().Str("component", "notice").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Claim takes one of limit slots for level/id. ok=false means every slot is
// live; the caller must not post the notice.
func (g *Gate) Claim(ctx context.Context, level, id string, limit int) (Slot, bool, error) {
	if level == "" || id == "" {
		return Slot{}, false, ErrEmptyScope
	}

	token := uuid.NewString()
	for i := 0; i < limit; i++ {
		key := g.key(level, id, i)
		ok, err := g.store.SetIfAbsent(ctx, key, token, g.window)
		if err != nil {
			return Slot{}, false, fmt.Errorf("claim %s notice slot for %s: %w", level, id, err)
		}
		if ok {
			g.logger.Debug().Str("level", level).Str("id", id).Int("slot", i).Msg("notice slot claimed")
			return Slot{Key: key, Token: token}, true, nil
		}
	}

	g.logger.Debug().Str("level", level).Str("id", id).Int("limit", limit).Msg("notice budget exhausted")
	return Slot{}, false, nil
}

// Release gives back a slot whose notice was never posted.
func (g *Gate) Release(ctx context.Context, slot Slot) (bool, error) {
	released, err := g.store.DeleteIfEquals(ctx, slot.Key, slot.Token)
	if err != nil {
		return false, fmt.Errorf("release notice slot %s: %w", slot.Key, err)
	}
	return released, nil
}

func (g *Gate) key(level, id string, slot int) string {
	return g.prefix + ":" + level + ":" + id + ":" + strconv.Itoa(slot)
}
