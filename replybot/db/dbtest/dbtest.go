// Package dbtest opens migrated throwaway databases for package tests.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ZanzyTHEbar/room-replybot/replybot/config"
	"github.com/ZanzyTHEbar/room-replybot/replybot/db"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	_ "github.com/tursodatabase/go-libsql"
)

// Open returns a migrated libSQL database in a temp directory behind a single
// connection. Use OpenPools when the test is about contention between
// connections.
func Open(t testing.TB) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "replybot-test.db")
	conn, err := sql.Open("libsql", fmt.Sprintf("file:%s", path))
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)

	require.NoError(t, db.Migrate(context.Background(), conn))

	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// OpenPools opens n independent pools on one database file through
// db.Connect, each with the default production pragmas and pool size, the
// way separate worker processes would share the store.
func OpenPools(t testing.TB, n int) []*sql.DB {
	t.Helper()

	cfg := ProductionDatabaseConfig(filepath.Join(t.TempDir(), "replybot-shared.db"))
	pools := make([]*sql.DB, 0, n)
	for i := 0; i < n; i++ {
		conn, err := db.Connect(context.Background(), cfg, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		pools = append(pools, conn)
	}
	return pools
}

// ProductionDatabaseConfig mirrors the database defaults applied by
// config.LoadConfig for an embedded file at path.
func ProductionDatabaseConfig(path string) config.DatabaseConfig {
	return config.DatabaseConfig{
		DSN:            "file:" + path,
		Type:           "libsql",
		MaxOpenConns:   8,
		MaxIdleConns:   8,
		ConnMaxIdleSec: 300,
		ConnMaxLifeSec: 3600,
		BusyTimeoutMs:  5000,
		JournalMode:    "WAL",
		SyncMode:       "NORMAL",
	}
}
