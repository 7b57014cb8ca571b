// Package db opens the shared libSQL store and keeps its schema current.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/room-replybot/replybot/config"

	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

// Connect opens the database described by cfg, applies pragmas and pooling,
// and runs pending migrations.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*sql.DB, error) {
	dsn, err := resolveDSN(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("dsn", redactDSN(dsn)).Msg("connecting to libsql")

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}

	if err := verify(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if isEmbedded(dsn) {
		if err := configurePragmaSettings(ctx, db, cfg); err != nil {
			db.Close()
			return nil, err
		}
	}

	configureConnectionPooling(db, cfg, logger)

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// resolveDSN ensures the directory of an embedded database exists and appends
// the auth token for remote URLs.
func resolveDSN(cfg config.DatabaseConfig) (string, error) {
	dsn := cfg.DSN
	if dsn == "" {
		return "", fmt.Errorf("database.dsn is empty")
	}

	if isEmbedded(dsn) {
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.Index(path, "?"); i >= 0 {
			path = path[:i]
		}
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("could not create database directory %s: %w", dir, err)
			}
		}
		return dsn, nil
	}

	if cfg.AuthToken == "" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid database url: %w", err)
	}
	q := u.Query()
	q.Set("authToken", cfg.AuthToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isEmbedded(dsn string) bool {
	return strings.HasPrefix(dsn, "file:")
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.RawQuery == "" {
		return dsn
	}
	q := u.Query()
	if q.Has("authToken") {
		q.Set("authToken", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// verify checks basic connectivity.
func verify(ctx context.Context, db *sql.DB) error {
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("basic connectivity test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("basic connectivity test failed: unexpected result %d", result)
	}
	return nil
}

// configurePragmaSettings applies PRAGMA settings to the embedded database.
func configurePragmaSettings(ctx context.Context, db *sql.DB, cfg config.DatabaseConfig) error {
	pragmaSettings := []struct {
		name  string
		value string
	}{
		{"journal_mode", cfg.JournalMode},
		{"synchronous", cfg.SyncMode},
		{"busy_timeout", fmt.Sprintf("%d", cfg.BusyTimeoutMs)},
	}

	for _, setting := range pragmaSettings {
		if setting.value == "" || setting.value == "0" {
			continue
		}
		// Some PRAGMA statements return rows, so they go through Query.
		rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA %s = %s", setting.name, setting.value))
		if err != nil {
			return fmt.Errorf("failed to set %s: %w", setting.name, err)
		}
		rows.Close()
	}

	return nil
}

// configureConnectionPooling sets connection pooling parameters.
func configureConnectionPooling(db *sql.DB, cfg config.DatabaseConfig, logger zerolog.Logger) {
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 8
	}
	db.SetMaxOpenConns(maxOpen)

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen
	}
	db.SetMaxIdleConns(maxIdle)

	idleTime := time.Duration(cfg.ConnMaxIdleSec) * time.Second
	if idleTime <= 0 {
		idleTime = 5 * time.Minute
	}
	db.SetConnMaxIdleTime(idleTime)

	lifeTime := time.Duration(cfg.ConnMaxLifeSec) * time.Second
	if lifeTime <= 0 {
		lifeTime = time.Hour
	}
	db.SetConnMaxLifetime(lifeTime)

	logger.Debug().
		Int("max_open", maxOpen).
		Int("max_idle", maxIdle).
		Dur("max_idle_time", idleTime).
		Dur("max_lifetime", lifeTime).
		Msg("connection pool configured")
}
