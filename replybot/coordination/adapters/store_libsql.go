package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/room-replybot/replybot/coordination/ports"
)

// LibSQLStore implements SharedStore on the coord_leases and coord_counters
// tables. Each primitive is one SQL statement, so atomicity comes from the
// database and holds across every process sharing the file or remote URL.
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// LibSQLOption configures a LibSQLStore.
type LibSQLOption func(*LibSQLStore)

// WithLibSQLClock overrides the time source, for tests.
func WithLibSQLClock(now func() time.Time) LibSQLOption {
	return func(s *LibSQLStore) { s.now = now }
}

// NewLibSQLStore creates a store over an already migrated database.
func NewLibSQLStore(db *sql.DB, opts ...LibSQLOption) *LibSQLStore {
	s := &LibSQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetIfAbsent inserts the lease, or takes over an expired one, in a single upsert.
func (s *LibSQLStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("ttl must be positive: %s", ttl)
	}

	now := s.now()
	query := `
		INSERT INTO coord_leases (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE
			SET value = excluded.value, expires_at = excluded.expires_at
			WHERE coord_leases.expires_at <= ?
	`

	res, err := s.db.ExecContext(ctx, query, key, value, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to set lease %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lease result %s: %w", key, err)
	}
	return n == 1, nil
}

// DeleteIfEquals removes the lease only while it is live and held by expected.
func (s *LibSQLStore) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	query := `DELETE FROM coord_leases WHERE key = ? AND value = ? AND expires_at > ?`

	res, err := s.db.ExecContext(ctx, query, key, expected, s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to delete lease %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result %s: %w", key, err)
	}
	return n == 1, nil
}

// IncrementWrap creates the counter at zero or advances it modulo modulus.
func (s *LibSQLStore) IncrementWrap(ctx context.Context, key string, modulus int64) (ports.Counter, error) {
	if modulus <= 0 {
		return ports.Counter{}, fmt.Errorf("modulus must be positive: %d", modulus)
	}

	query := `
		INSERT INTO coord_counters (key, value, generation, updated_at)
		VALUES (?, 0, 1, ?)
		ON CONFLICT (key) DO UPDATE
			SET value = (coord_counters.value + 1) % ?,
			    generation = coord_counters.generation + 1,
			    updated_at = excluded.updated_at
		RETURNING value, generation
	`

	var c ports.Counter
	err := s.db.QueryRowContext(ctx, query, key, s.now().UnixMilli(), modulus).Scan(&c.Value, &c.Generation)
	if err != nil {
		return ports.Counter{}, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return c, nil
}

// Get returns the live lease stored under key.
func (s *LibSQLStore) Get(ctx context.Context, key string) (string, time.Time, bool, error) {
	query := `SELECT value, expires_at FROM coord_leases WHERE key = ? AND expires_at > ?`

	var (
		value     string
		expiresMs int64
	)
	err := s.db.QueryRowContext(ctx, query, key, s.now().UnixMilli()).Scan(&value, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("failed to read lease %s: %w", key, err)
	}
	return value, time.UnixMilli(expiresMs), true, nil
}

// ResetCounter drops the counter at key.
func (s *LibSQLStore) ResetCounter(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM coord_counters WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to reset counter %s: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes lease rows whose ttl has passed. Expired rows are
// already ignored by every primitive; this only reclaims space.
func (s *LibSQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM coord_leases WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired leases: %w", err)
	}
	return res.RowsAffected()
}

// Ensure LibSQLStore implements the store interfaces.
var (
	_ ports.SharedStore     = (*LibSQLStore)(nil)
	_ ports.Inspector       = (*LibSQLStore)(nil)
	_ ports.CounterResetter = (*LibSQLStore)(nil)
)
