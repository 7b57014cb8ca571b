package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/room-replybot/replybot"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Lock       LockConfig       `mapstructure:"lock"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Bot        BotConfig        `mapstructure:"bot"`
	Generation GenerationConfig `mapstructure:"generation"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

// DatabaseConfig stores connection details for the shared libSQL store.
type DatabaseConfig struct {
	DSN       string `mapstructure:"dsn"`
	Type      string `mapstructure:"type"`
	AuthToken string `mapstructure:"auth_token"` // remote (Turso/sqld) only
	DataDir   string `mapstructure:"data_dir"`   // directory for embedded database files

	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns"`
	ConnMaxIdleSec int    `mapstructure:"conn_max_idle_sec"`
	ConnMaxLifeSec int    `mapstructure:"conn_max_life_sec"`
	BusyTimeoutMs  int    `mapstructure:"busy_timeout_ms"`
	JournalMode    string `mapstructure:"journal_mode"` // WAL, DELETE, ...
	SyncMode       string `mapstructure:"sync_mode"`    // NORMAL, FULL, OFF
}

// LockConfig controls the per-room reply lock TTL.
type LockConfig struct {
	MaxTaskDuration time.Duration `mapstructure:"max_task_duration"` // worst-case behavior execution incl. generation
	SafetyMargin    time.Duration `mapstructure:"safety_margin"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
}

// TTL is the lease lifetime handed to every acquire.
func (l LockConfig) TTL() time.Duration {
	return l.MaxTaskDuration + l.SafetyMargin
}

// JobsConfig controls the in-process job dispatcher.
type JobsConfig struct {
	Workers      int               `mapstructure:"workers"`
	QueueSize    int               `mapstructure:"queue_size"`
	TaskTimeout  time.Duration     `mapstructure:"task_timeout"`
	MaxAttempts  int               `mapstructure:"max_attempts"`
	RetryBackoff time.Duration     `mapstructure:"retry_backoff"`
	Recurring    []RecurringConfig `mapstructure:"recurring"`
}

// RecurringConfig declares one periodic trigger.
type RecurringConfig struct {
	Kind           string `mapstructure:"kind"`
	Cron           string `mapstructure:"cron"`
	RoomID         string `mapstructure:"room_id"`
	WorkspaceID    string `mapstructure:"workspace_id"`
	OrganizationID string `mapstructure:"organization_id"`
	Text           string `mapstructure:"text"`
}

// BotConfig stores behavior selection and perspective settings.
type BotConfig struct {
	Perspectives       []string `mapstructure:"perspectives"`
	PerspectiveScope   string   `mapstructure:"perspective_scope"` // "room" | "organization"
	DefaultPerspective string   `mapstructure:"default_perspective"`

	HistorySize int `mapstructure:"history_size"` // room turns loaded as prompt context

	HealthBudget     time.Duration `mapstructure:"health_budget"`     // per-call bound for health reads
	StatisticsBudget time.Duration `mapstructure:"statistics_budget"` // per-call bound for statistics reads
	HealthMaxAge     time.Duration `mapstructure:"health_max_age"`    // signals older than this are ignored
	HealthCacheTTL   time.Duration `mapstructure:"health_cache_ttl"`  // zero disables snapshot caching

	CriticalThreshold      float64 `mapstructure:"critical_threshold"`
	MaxNoticesPerDay       int     `mapstructure:"max_notices_per_day"` // health notices per workspace or organization
	MaxGroupRepliesPerHour int     `mapstructure:"max_group_replies_per_hour"`
	MaxSilentStreak        int     `mapstructure:"max_silent_streak"`
}

// GenerationConfig stores text-generation provider settings.
type GenerationConfig struct {
	Provider    string        `mapstructure:"provider"` // "openai" | "static"
	Endpoint    string        `mapstructure:"endpoint"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	StaticReply string        `mapstructure:"static_reply"`
	Timeout     time.Duration `mapstructure:"timeout"`

	MaxNewTokens int     `mapstructure:"max_new_tokens"`
	Temperature  float32 `mapstructure:"temperature"`
	TopP         float32 `mapstructure:"top_p"`

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Safety and validation
	EnableGuardrails bool     `mapstructure:"enable_guardrails"`
	BlockedWords     []string `mapstructure:"blocked_words"`
	MaxOutputSize    int      `mapstructure:"max_output_size"`

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" | "console"
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("..")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()

	viper.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. lock.max_task_duration becomes LOCK_MAX_TASK_DURATION
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment are used.
	}

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

func setDefaults() {
	// Database defaults
	viper.SetDefault("database.dsn", internal.DefaultDatabaseDSN)
	viper.SetDefault("database.type", internal.DefaultDatabaseType)
	viper.SetDefault("database.data_dir", internal.DefaultDatabaseDir)
	viper.SetDefault("database.max_open_conns", 8)
	viper.SetDefault("database.max_idle_conns", 8)
	viper.SetDefault("database.conn_max_idle_sec", 300)
	viper.SetDefault("database.conn_max_life_sec", 3600)
	viper.SetDefault("database.busy_timeout_ms", 5000)
	viper.SetDefault("database.journal_mode", "WAL")
	viper.SetDefault("database.sync_mode", "NORMAL")

	// Lock defaults: TTL = 2m + 30s, strictly above jobs.task_timeout
	viper.SetDefault("lock.max_task_duration", "2m")
	viper.SetDefault("lock.safety_margin", "30s")
	viper.SetDefault("lock.key_prefix", "reply-lock")

	// Job dispatcher defaults
	viper.SetDefault("jobs.workers", 4)
	viper.SetDefault("jobs.queue_size", 256)
	viper.SetDefault("jobs.task_timeout", "2m")
	viper.SetDefault("jobs.max_attempts", 3)
	viper.SetDefault("jobs.retry_backoff", "5s")

	// Bot defaults
	viper.SetDefault("bot.perspectives", []string{"companion", "coach", "analyst", "cheerleader"})
	viper.SetDefault("bot.perspective_scope", "room")
	viper.SetDefault("bot.default_perspective", "companion")
	viper.SetDefault("bot.history_size", 12)
	viper.SetDefault("bot.health_budget", "2s")
	viper.SetDefault("bot.statistics_budget", "2s")
	viper.SetDefault("bot.health_max_age", "24h")
	viper.SetDefault("bot.health_cache_ttl", "1m")
	viper.SetDefault("bot.critical_threshold", 35.0)
	viper.SetDefault("bot.max_notices_per_day", 1)
	viper.SetDefault("bot.max_group_replies_per_hour", 6)
	viper.SetDefault("bot.max_silent_streak", 5)

	// Generation defaults
	viper.SetDefault("generation.provider", "static")
	viper.SetDefault("generation.endpoint", "https://api.openai.com/v1")
	viper.SetDefault("generation.model", "gpt-4o-mini")
	viper.SetDefault("generation.static_reply", "Thanks for the ping! I'll take a look.")
	viper.SetDefault("generation.timeout", "45s")
	viper.SetDefault("generation.max_new_tokens", 512)
	viper.SetDefault("generation.temperature", 0.7)
	viper.SetDefault("generation.top_p", 0.9)
	viper.SetDefault("generation.rate_limit_enabled", true)
	viper.SetDefault("generation.rate_limit_capacity", 10)
	viper.SetDefault("generation.rate_limit_refill_rate", "6s")
	viper.SetDefault("generation.enable_guardrails", true)
	viper.SetDefault("generation.blocked_words", []string{"password", "secret", "credential"})
	viper.SetDefault("generation.max_output_size", 4000)
	viper.SetDefault("generation.enable_tracing", true)

	// Observability defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.listen", ":9464")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
}

// Validate checks cross-field invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Lock.MaxTaskDuration <= 0 {
		return fmt.Errorf("lock.max_task_duration must be positive: %s", c.Lock.MaxTaskDuration)
	}
	if c.Lock.SafetyMargin < 0 {
		return fmt.Errorf("lock.safety_margin must not be negative: %s", c.Lock.SafetyMargin)
	}
	// The lease must outlive the framework's own per-task timeout, otherwise a
	// second worker can start before the first one's writes have settled.
	if c.Jobs.TaskTimeout > 0 && c.Lock.TTL() <= c.Jobs.TaskTimeout {
		return fmt.Errorf("lock ttl %s must exceed jobs.task_timeout %s", c.Lock.TTL(), c.Jobs.TaskTimeout)
	}
	if c.Generation.Timeout > 0 && c.Generation.Timeout >= c.Lock.MaxTaskDuration {
		return fmt.Errorf("generation.timeout %s must be below lock.max_task_duration %s", c.Generation.Timeout, c.Lock.MaxTaskDuration)
	}
	for _, b := range []struct {
		key string
		d   time.Duration
	}{
		{"bot.health_budget", c.Bot.HealthBudget},
		{"bot.statistics_budget", c.Bot.StatisticsBudget},
	} {
		if b.d <= 0 || b.d >= c.Lock.MaxTaskDuration {
			return fmt.Errorf("%s %s must be positive and below lock.max_task_duration %s", b.key, b.d, c.Lock.MaxTaskDuration)
		}
	}
	if len(c.Bot.Perspectives) == 0 {
		return fmt.Errorf("bot.perspectives must not be empty")
	}
	switch c.Bot.PerspectiveScope {
	case "room", "organization":
	default:
		return fmt.Errorf("bot.perspective_scope must be room or organization: %q", c.Bot.PerspectiveScope)
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1: %d", c.Jobs.Workers)
	}
	for i, r := range c.Jobs.Recurring {
		if !gronx.IsValid(r.Cron) {
			return fmt.Errorf("jobs.recurring[%d]: invalid cron expression %q", i, r.Cron)
		}
		if r.Kind == "" || r.RoomID == "" {
			return fmt.Errorf("jobs.recurring[%d]: kind and room_id are required", i)
		}
	}
	return nil
}

// Watch reloads the configuration when the backing file changes and hands the
// re-validated result to onChange. Invalid edits are logged and ignored.
func Watch(logger zerolog.Logger, onChange func(*Config)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := Config{}
		if err := viper.Unmarshal(&cfg); err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("config reload: decode failed")
			return
		}
		if err := cfg.Validate(); err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("config reload: rejected")
			return
		}
		logger.Info().Str("file", e.Name).Msg("config reloaded")
		onChange(&cfg)
	})
	viper.WatchConfig()
}
