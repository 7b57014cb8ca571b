package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LibSQLProvider reads the newest signal per dimension from health_signals.
type LibSQLProvider struct {
	db     *sql.DB
	maxAge time.Duration
	now    func() time.Time
}

// NewLibSQLProvider creates a provider ignoring signals older than maxAge.
// A zero maxAge accepts signals of any age.
func NewLibSQLProvider(db *sql.DB, maxAge time.Duration) *LibSQLProvider {
	return &LibSQLProvider{db: db, maxAge: maxAge, now: time.Now}
}

// GetHealth implements Provider.
func (p *LibSQLProvider) GetHealth(ctx context.Context, scope Scope) (Snapshot, error) {
	if scope.ID == "" {
		return Snapshot{}, ErrInvalidScope
	}

	now := p.now()
	var cutoff int64
	if p.maxAge > 0 {
		cutoff = now.Add(-p.maxAge).UnixMilli()
	}

	query := `
		SELECT dimension, score
		FROM health_signals
		WHERE scope_kind = ? AND scope_id = ? AND observed_at >= ?
		ORDER BY observed_at DESC, id DESC
	`

	rows, err := p.db.QueryContext(ctx, query, string(scope.Kind), scope.ID, cutoff)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query health signals for %s: %w", scope, err)
	}
	defer rows.Close()

	snap := Neutral(scope, now)
	seen := make(map[Dimension]bool, len(Dimensions))
	for rows.Next() {
		var (
			dim   string
			score float64
		)
		if err := rows.Scan(&dim, &score); err != nil {
			return Snapshot{}, fmt.Errorf("failed to scan health signal: %w", err)
		}
		d := Dimension(dim)
		if seen[d] {
			continue
		}
		seen[d] = true
		snap.Scores[d] = score
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("failed to iterate health signals: %w", err)
	}

	snap.Neutral = len(seen) == 0
	return snap, nil
}

// RecordSignal stores one observation for a scope dimension.
func RecordSignal(ctx context.Context, db *sql.DB, scope Scope, dim Dimension, score float64, observedAt time.Time) error {
	if scope.ID == "" {
		return ErrInvalidScope
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO health_signals (scope_kind, scope_id, dimension, score, observed_at) VALUES (?, ?, ?, ?, ?)`,
		string(scope.Kind), scope.ID, string(dim), score, observedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record health signal for %s: %w", scope, err)
	}
	return nil
}

var _ Provider = (*LibSQLProvider)(nil)
