package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/room-replybot/replybot"
	"github.com/ZanzyTHEbar/room-replybot/replybot/config"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// cliEnv is what every subcommand gets after the root pre-run.
type cliEnv struct {
	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	rt := &cliEnv{}

	var (
		configPath string
		envFile    string
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:          replybot.DefaultAppName,
		Short:        "Room reply bot worker and tools",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}

			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFormat != "" {
				cfg.Log.Format = logFormat
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			rt.cfg = cfg
			rt.logger = newLogger(cmd.ErrOrStderr(), cfg.Log)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (optional).")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before configuration.")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Logging level: debug|info|warn|error.")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Logging format: json|console.")

	cmd.AddCommand(newWorkerCmd(rt))
	cmd.AddCommand(newEnqueueCmd(rt))
	cmd.AddCommand(newMigrateCmd(rt))
	cmd.AddCommand(newLockCmd(rt))
	cmd.AddCommand(newSignalCmd(rt))

	return cmd
}

func newLogger(out io.Writer, cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	w := out
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("app", replybot.DefaultAppName).
		Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
}
