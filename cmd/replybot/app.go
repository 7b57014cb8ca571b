package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ZanzyTHEbar/room-replybot/replybot/behavior"
	"github.com/ZanzyTHEbar/room-replybot/replybot/config"
	"github.com/ZanzyTHEbar/room-replybot/replybot/coordination/adapters"
	"github.com/ZanzyTHEbar/room-replybot/replybot/coordination/notice"
	"github.com/ZanzyTHEbar/room-replybot/replybot/coordination/perspective"
	"github.com/ZanzyTHEbar/room-replybot/replybot/coordination/replylock"
	"github.com/ZanzyTHEbar/room-replybot/replybot/db"
	"github.com/ZanzyTHEbar/room-replybot/replybot/generation/harness"
	"github.com/ZanzyTHEbar/room-replybot/replybot/health"
	"github.com/ZanzyTHEbar/room-replybot/replybot/statistics"
	"github.com/ZanzyTHEbar/room-replybot/replybot/tasks"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// app is the wired reply bot.
type app struct {
	db    *sql.DB
	store *adapters.LibSQLStore
	lock  *replylock.Lock
	tasks map[tasks.Kind]*tasks.Task
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*app, error) {
	conn, err := db.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	store := adapters.NewLibSQLStore(conn)
	lock := replylock.New(store, logger, replylock.WithKeyPrefix(cfg.Lock.KeyPrefix))

	perspectives := make([]perspective.Perspective, 0, len(cfg.Bot.Perspectives))
	for _, p := range cfg.Bot.Perspectives {
		perspectives = append(perspectives, perspective.Perspective(p))
	}
	rotator, err := perspective.NewRotator(store, perspectives, perspective.Perspective(cfg.Bot.DefaultPerspective), logger)
	if err != nil {
		conn.Close()
		return nil, err
	}

	factory := harness.NewFactory(&cfg.Generation, cfg.Bot.HistorySize, conn, logger)
	generator, err := factory.CreateGenerator()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create generator: %w", err)
	}

	var healthProvider health.Provider = health.NewLibSQLProvider(conn, cfg.Bot.HealthMaxAge)
	if cfg.Bot.HealthCacheTTL > 0 {
		healthProvider = health.NewCachingProvider(healthProvider, cfg.Bot.HealthCacheTTL, 0)
	}

	deps := tasks.Deps{
		Lock:         lock,
		Notices:      notice.NewGate(store, logger),
		Health:       healthProvider,
		Statistics:   statistics.NewLibSQLCollector(conn),
		Perspectives: rotator,
		Generator:    generator,
		Transcript:   factory.CreateTranscript(),
		Selector:     behavior.DefaultSelector(),
		Tracer:       factory.CreateTracer(),
		Metrics:      tasks.NewMetrics(reg),
		Logger:       logger,
	}
	settings := tasks.SettingsFromConfig(cfg)

	a := &app{db: conn, store: store, lock: lock, tasks: make(map[tasks.Kind]*tasks.Task)}
	for _, kind := range tasks.Kinds() {
		a.tasks[kind] = tasks.New(kind, deps, settings)
	}
	return a, nil
}

// applyConfig pushes hot-reloadable settings into running tasks.
func (a *app) applyConfig(cfg *config.Config) {
	th := behavior.ThresholdsFromConfig(cfg.Bot)
	for _, t := range a.tasks {
		t.SetThresholds(th)
	}
}

func (a *app) Close() error {
	return a.db.Close()
}
