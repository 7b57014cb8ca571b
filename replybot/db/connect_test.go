package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ZanzyTHEbar/room-replybot/replybot/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_EmbeddedCreatesSchema(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nested", "data")

	conn, err := Connect(ctx, config.DatabaseConfig{
		DSN:           "file:" + filepath.Join(dir, "bot.db"),
		MaxOpenConns:  2,
		BusyTimeoutMs: 1000,
		JournalMode:   "WAL",
		SyncMode:      "NORMAL",
	}, zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()

	for _, table := range []string{"coord_leases", "coord_counters", "reply_outcomes", "health_signals", "room_turns"} {
		var name string
		err := conn.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}

	version, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	// Re-running migrations is a no-op.
	assert.NoError(t, Migrate(ctx, conn))
}

func TestConnect_EmptyDSN(t *testing.T) {
	_, err := Connect(context.Background(), config.DatabaseConfig{}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn is empty")
}

func TestResolveDSN_RemoteAddsAuthToken(t *testing.T) {
	dsn, err := resolveDSN(config.DatabaseConfig{DSN: "libsql://bot.turso.io", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://bot.turso.io?authToken=tok", dsn)
	assert.Equal(t, "libsql://bot.turso.io?authToken=REDACTED", redactDSN(dsn))
}
