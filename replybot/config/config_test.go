package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	internal "github.com/ZanzyTHEbar/room-replybot/replybot"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	viper.Reset()

	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	suite.tempDir = suite.T().TempDir()
	require.NoError(suite.T(), os.Chdir(suite.tempDir))
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		_ = os.Chdir(suite.origDir)
	}
	viper.Reset()
}

func (suite *ConfigTestSuite) writeConfig(name, content string) string {
	path := filepath.Join(suite.tempDir, name)
	require.NoError(suite.T(), os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), internal.DefaultDatabaseDSN, cfg.Database.DSN)
	assert.Equal(suite.T(), internal.DefaultDatabaseType, cfg.Database.Type)
	assert.Equal(suite.T(), 2*time.Minute, cfg.Lock.MaxTaskDuration)
	assert.Equal(suite.T(), 150*time.Second, cfg.Lock.TTL())
	assert.Equal(suite.T(), 2*time.Minute, cfg.Jobs.TaskTimeout)
	assert.Equal(suite.T(), []string{"companion", "coach", "analyst", "cheerleader"}, cfg.Bot.Perspectives)
	assert.Equal(suite.T(), "room", cfg.Bot.PerspectiveScope)
	assert.InDelta(suite.T(), 35.0, cfg.Bot.CriticalThreshold, 0.001)
	assert.Equal(suite.T(), "static", cfg.Generation.Provider)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	configFile := suite.writeConfig("config.yaml", `
database:
  dsn: "file:test.db"
lock:
  max_task_duration: 90s
  safety_margin: 15s
jobs:
  workers: 2
  task_timeout: 60s
  recurring:
    - kind: group_chat_reply
      cron: "*/15 * * * *"
      room_id: room-42
      workspace_id: ws-1
bot:
  perspectives: [mentor, skeptic]
  perspective_scope: organization
`)

	cfg, err := LoadConfig(configFile)

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "file:test.db", cfg.Database.DSN)
	assert.Equal(suite.T(), 105*time.Second, cfg.Lock.TTL())
	assert.Equal(suite.T(), 2, cfg.Jobs.Workers)
	require.Len(suite.T(), cfg.Jobs.Recurring, 1)
	assert.Equal(suite.T(), "room-42", cfg.Jobs.Recurring[0].RoomID)
	assert.Equal(suite.T(), []string{"mentor", "skeptic"}, cfg.Bot.Perspectives)
	assert.Equal(suite.T(), "organization", cfg.Bot.PerspectiveScope)
}

func (suite *ConfigTestSuite) TestEnvironmentOverride() {
	suite.T().Setenv("BOT_MAX_GROUP_REPLIES_PER_HOUR", "2")

	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 2, cfg.Bot.MaxGroupRepliesPerHour)
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	configFile := suite.writeConfig("malformed.yaml", `
lock:
  max_task_duration: 90s
  invalid_yaml: [unclosed bracket
`)

	cfg, err := LoadConfig(configFile)

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLockTTLMustExceedTaskTimeout() {
	configFile := suite.writeConfig("config.yaml", `
lock:
  max_task_duration: 60s
  safety_margin: 0s
jobs:
  task_timeout: 60s
generation:
  timeout: 30s
`)

	cfg, err := LoadConfig(configFile)

	require.Error(suite.T(), err)
	assert.Contains(suite.T(), err.Error(), "must exceed jobs.task_timeout")
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestInvalidRecurringCron() {
	configFile := suite.writeConfig("config.yaml", `
jobs:
  recurring:
    - kind: group_chat_reply
      cron: "every tuesday"
      room_id: room-1
`)

	_, err := LoadConfig(configFile)

	require.Error(suite.T(), err)
	assert.Contains(suite.T(), err.Error(), "invalid cron expression")
}

func (suite *ConfigTestSuite) TestAppConfigGlobal() {
	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), cfg.Database.DSN, AppConfig.Database.DSN)
}

func TestValidatePerspectiveScope(t *testing.T) {
	cfg := Config{
		Lock: LockConfig{MaxTaskDuration: time.Minute, SafetyMargin: time.Second},
		Jobs: JobsConfig{Workers: 1, TaskTimeout: 30 * time.Second},
		Bot: BotConfig{
			Perspectives:     []string{"a"},
			PerspectiveScope: "workspace",
			HealthBudget:     time.Second,
			StatisticsBudget: time.Second,
		},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "perspective_scope")

	cfg.Bot.PerspectiveScope = "room"
	assert.NoError(t, cfg.Validate())
}

func TestValidateReadBudgets(t *testing.T) {
	valid := func() Config {
		return Config{
			Lock: LockConfig{MaxTaskDuration: time.Minute, SafetyMargin: time.Second},
			Jobs: JobsConfig{Workers: 1, TaskTimeout: 30 * time.Second},
			Bot: BotConfig{
				Perspectives:     []string{"a"},
				PerspectiveScope: "room",
				HealthBudget:     2 * time.Second,
				StatisticsBudget: 2 * time.Second,
			},
		}
	}
	base := valid()
	require.NoError(t, base.Validate())

	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"zero health budget", func(c *Config) { c.Bot.HealthBudget = 0 }, "bot.health_budget"},
		{"negative statistics budget", func(c *Config) { c.Bot.StatisticsBudget = -time.Second }, "bot.statistics_budget"},
		{"health budget at task duration", func(c *Config) { c.Bot.HealthBudget = time.Minute }, "bot.health_budget"},
		{"statistics budget above task duration", func(c *Config) { c.Bot.StatisticsBudget = 2 * time.Minute }, "bot.statistics_budget"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.edit(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}
