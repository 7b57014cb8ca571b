// Package replylock serializes bot replies per room across every worker
// process. A lease is a TTL-bounded record in the shared store identified by
// a holder token; only the holder can release it, and an abandoned lease
// expires on its own.
package replylock

import (
	"context"
	"errors"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/room-replybot/replybot/coordination/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyRoom   = errors.New("replylock: room id is empty")
	ErrInvalidTTL  = errors.New("replylock: ttl must be positive")
	ErrEmptyToken  = errors.New("replylock: holder token is empty")
	ErrNoInspector = errors.New("replylock: store does not support inspection")
)

// DefaultKeyPrefix namespaces lease keys in the shared store.
const DefaultKeyPrefix = "reply-lock"

// Lease is a successful acquisition.
type Lease struct {
	RoomID    string
	Token     string
	ExpiresAt time.Time
}

// Lock is the per-room reply lock.
type Lock struct {
	store  ports.SharedStore
	prefix string
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Lock.
type Option func(*Lock)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(l *Lock) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithClock overrides the time source used for reported expiries.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) { l.now = now }
}

// New creates a Lock over the shared store.
func New(store ports.SharedStore, logger zerolog.Logger, opts ...Option) *Lock {
	l := &Lock{
		store:  store,
		prefix: DefaultKeyPrefix,
		now:    time.Now,
		logger: logger.With().Str("component", "replylock").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lock) key(roomID string) string {
	return l.prefix + ":" + roomID
}

// Acquire attempts to take the lease for roomID. A live lease held by anyone
// else yields ok=false with a nil error; the caller skips, it does not wait.
func (l *Lock) Acquire(ctx context.Context, roomID string, ttl time.Duration) (Lease, bool, error) {
	if roomID == "" {
		return Lease{}, false, ErrEmptyRoom
	}
	if ttl <= 0 {
		return Lease{}, false, ErrInvalidTTL
	}

	token := uuid.NewString()
	start := l.now()

	ok, err := l.store.SetIfAbsent(ctx, l.key(roomID), token, ttl)
	if err != nil {
		return Lease{}, false, fmt.Errorf("acquire reply lock for room %s: %w", roomID, err)
	}
	if !ok {
		l.logger.Debug().Str("room_id", roomID).Msg("reply lock busy")
		return Lease{}, false, nil
	}

	lease := Lease{RoomID: roomID, Token: token, ExpiresAt: start.Add(ttl)}
	l.logger.Debug().
		Str("room_id", roomID).
		Str("holder_token", shortToken(token)).
		Dur("ttl", ttl).
		Msg("reply lock acquired")
	return lease, true, nil
}

// Release deletes the lease only if token still holds it. released=false
// means the lease had expired or was taken over; that is not an error.
func (l *Lock) Release(ctx context.Context, roomID, token string) (bool, error) {
	if roomID == "" {
		return false, ErrEmptyRoom
	}
	if token == "" {
		return false, ErrEmptyToken
	}

	released, err := l.store.DeleteIfEquals(ctx, l.key(roomID), token)
	if err != nil {
		return false, fmt.Errorf("release reply lock for room %s: %w", roomID, err)
	}

	event := l.logger.Debug()
	if !released {
		event = l.logger.Warn()
	}
	event.
		Str("room_id", roomID).
		Str("holder_token", shortToken(token)).
		Bool("released", released).
		Msg("reply lock release")
	return released, nil
}

// WithLock runs fn while holding the lease for roomID and releases it on
// every exit path, including panics in fn. acquired=false means another
// holder was live and fn did not run.
func (l *Lock) WithLock(ctx context.Context, roomID string, ttl time.Duration, fn func(ctx context.Context, lease Lease) error) (acquired bool, err error) {
	lease, ok, err := l.Acquire(ctx, roomID, ttl)
	if err != nil || !ok {
		return false, err
	}

	defer func() {
		// ctx may already be cancelled here.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if _, rerr := l.Release(releaseCtx, roomID, lease.Token); rerr != nil {
			l.logger.Error().Err(rerr).Str("room_id", roomID).Msg("reply lock release failed; lease will expire by ttl")
		}
	}()

	return true, fn(ctx, lease)
}

const releaseTimeout = 5 * time.Second

// Inspect reports the live lease for roomID, if any.
func (l *Lock) Inspect(ctx context.Context, roomID string) (Lease, bool, error) {
	inspector, ok := l.store.(ports.Inspector)
	if !ok {
		return Lease{}, false, ErrNoInspector
	}
	token, expiresAt, live, err := inspector.Get(ctx, l.key(roomID))
	if err != nil {
		return Lease{}, false, fmt.Errorf("inspect reply lock for room %s: %w", roomID, err)
	}
	if !live {
		return Lease{}, false, nil
	}
	return Lease{RoomID: roomID, Token: token, ExpiresAt: expiresAt}, true, nil
}

func shortToken(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
