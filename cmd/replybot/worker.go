package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/room-replybot/replybot/config"
	"github.com/ZanzyTHEbar/room-replybot/replybot/jobs"
	"github.com/ZanzyTHEbar/room-replybot/replybot/tasks"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	purgeLeasesKind = "purge_expired_leases"
	purgeLeasesCron = "*/10 * * * *"
)

func newWorkerCmd(rt *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job dispatcher and recurring reply schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, rt.cfg, rt.logger)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	d := jobs.NewDispatcher(jobs.OptionsFromConfig(cfg.Jobs), logger, reg)
	if err := registerJobs(d, a, cfg, logger); err != nil {
		return err
	}

	if viper.ConfigFileUsed() != "" {
		config.Watch(logger, a.applyConfig)
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info().Str("addr", cfg.Metrics.Listen).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	d.Start(ctx)
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	// Give running tasks their full attempt timeout before giving up on them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Jobs.TaskTimeout+5*time.Second)
	defer cancel()

	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	return d.Stop(shutdownCtx)
}

func registerJobs(d *jobs.Dispatcher, a *app, cfg *config.Config, logger zerolog.Logger) error {
	for kind, t := range a.tasks {
		if err := d.Register(string(kind), t.Handle); err != nil {
			return err
		}
	}

	if err := d.Register(purgeLeasesKind, func(ctx context.Context, _ jobs.Job) error {
		n, err := a.store.PurgeExpired(ctx)
		if err != nil {
			return err
		}
		logger.Debug().Int64("purged", n).Msg("expired coordination leases purged")
		return nil
	}); err != nil {
		return err
	}
	if err := d.RegisterRecurring(purgeLeasesKind, purgeLeasesCron, func(time.Time) ([]byte, error) { return nil, nil }); err != nil {
		return err
	}

	for _, r := range cfg.Jobs.Recurring {
		kind, err := tasks.ParseKind(r.Kind)
		if err != nil {
			return err
		}
		base := tasks.Trigger{
			RoomID:         r.RoomID,
			WorkspaceID:    r.WorkspaceID,
			OrganizationID: r.OrganizationID,
			Text:           r.Text,
		}
		err = d.RegisterRecurring(string(kind), r.Cron, func(at time.Time) ([]byte, error) {
			trig := base
			trig.At = at
			return trig.Encode()
		})
		if err != nil {
			return err
		}
		logger.Info().Str("task_kind", string(kind)).Str("room_id", r.RoomID).Str("cron", r.Cron).Msg("recurring trigger registered")
	}
	return nil
}
