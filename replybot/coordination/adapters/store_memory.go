package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/room-replybot/replybot/coordination/ports"
)

// MemoryStore implements SharedStore in process memory. It is atomic across
// goroutines of one process only; multi-process deployments use LibSQLStore.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	leases   map[string]*leaseItem
	counters map[string]*ports.Counter
	sweepAt  int // lease count that triggers an expiry sweep
}

type leaseItem struct {
	value     string
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the time source, for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store. Expired leases are swept
// once more than sweepAt entries are held.
func NewMemoryStore(sweepAt int, opts ...MemoryOption) *MemoryStore {
	if sweepAt <= 0 {
		sweepAt = 1024
	}
	s := &MemoryStore{
		now:      time.Now,
		leases:   make(map[string]*leaseItem),
		counters: make(map[string]*ports.Counter),
		sweepAt:  sweepAt,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetIfAbsent stores value under key unless a live lease exists.
func (s *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, fmt.Errorf("ttl must be positive: %s", ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if item, exists := s.leases[key]; exists && now.Before(item.expiresAt) {
		return false, nil
	}

	s.leases[key] = &leaseItem{value: value, expiresAt: now.Add(ttl)}

	if len(s.leases) > s.sweepAt {
		s.sweepLocked(now)
	}
	return true, nil
}

// DeleteIfEquals removes key when its live value matches expected.
func (s *MemoryStore) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.leases[key]
	if !exists {
		return false, nil
	}
	if !s.now().Before(item.expiresAt) {
		// Expired, remove it but report that the caller no longer held it.
		delete(s.leases, key)
		return false, nil
	}
	if item.value != expected {
		return false, nil
	}

	delete(s.leases, key)
	return true, nil
}

// IncrementWrap advances the counter at key modulo modulus.
func (s *MemoryStore) IncrementWrap(ctx context.Context, key string, modulus int64) (ports.Counter, error) {
	if err := ctx.Err(); err != nil {
		return ports.Counter{}, err
	}
	if modulus <= 0 {
		return ports.Counter{}, fmt.Errorf("modulus must be positive: %d", modulus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.counters[key]
	if !exists {
		c = &ports.Counter{Value: 0, Generation: 1}
		s.counters[key] = c
		return *c, nil
	}

	c.Value = (c.Value + 1) % modulus
	c.Generation++
	return *c, nil
}

// Get returns the live lease stored under key.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", time.Time{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.leases[key]
	if !exists || !s.now().Before(item.expiresAt) {
		return "", time.Time{}, false, nil
	}
	return item.value, item.expiresAt, true, nil
}

// ResetCounter drops the counter at key.
func (s *MemoryStore) ResetCounter(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

// sweepLocked drops expired leases. Live leases are never evicted.
func (s *MemoryStore) sweepLocked(now time.Time) {
	for key, item := range s.leases {
		if !now.Before(item.expiresAt) {
			delete(s.leases, key)
		}
	}
}

// Ensure MemoryStore implements the store interfaces.
var (
	_ ports.SharedStore     = (*MemoryStore)(nil)
	_ ports.Inspector       = (*MemoryStore)(nil)
	_ ports.CounterResetter = (*MemoryStore)(nil)
)
