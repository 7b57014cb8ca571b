package coordports

import (
	"context"
	"time"
)

// SharedStore is the cross-process store behind reply locks and perspective
// rotation. Every method must be a single atomic operation in the backing
// engine; callers never combine them into read-modify-write sequences.
type SharedStore interface {
	// SetIfAbsent writes key=value with the given ttl only when no live entry
	// exists. An expired entry counts as absent. Returns false when a live
	// entry is already present.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// DeleteIfEquals removes key only when its live value equals expected.
	// Returns false on mismatch, absence, or expiry.
	DeleteIfEquals(ctx context.Context, key, expected string) (bool, error)

	// IncrementWrap advances the counter at key by one modulo modulus and
	// returns the new value, always in [0, modulus) even when the counter was
	// last written under a different modulus. A missing counter starts at zero.
	IncrementWrap(ctx context.Context, key string, modulus int64) (Counter, error)
}

// Counter is the state of a rotating counter after an increment.
type Counter struct {
	Value      int64
	Generation int64 // number of increments applied since creation or reset
}

// Inspector exposes read-only views for diagnostics. Optional.
type Inspector interface {
	Get(ctx context.Context, key string) (value string, expiresAt time.Time, ok bool, err error)
}

// CounterResetter clears a rotating counter. Optional.
type CounterResetter interface {
	ResetCounter(ctx context.Context, key string) error
}
