// Package config defines the wachat configuration file and how it is
// loaded: YAML with environment expansion, .env files and API keys kept in
// the OS keyring.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/channels/whatsapp"
	"github.com/jholhewres/wachat/pkg/wachat/chat"
	"github.com/jholhewres/wachat/pkg/wachat/database"
	"github.com/jholhewres/wachat/pkg/wachat/llm"
)

// Config is the root of config.yaml.
type Config struct {
	// Name is the bot's display name, used in logs and the setup wizard.
	Name string `yaml:"name"`

	Logging LoggingConfig `yaml:"logging"`

	// Bot holds the conversation behaviour (prefix, history size, role).
	Bot chat.Config `yaml:"bot"`

	// Access lists owners and admins allowed to run privileged commands.
	Access chat.AccessConfig `yaml:"access"`

	LLM      llm.Config      `yaml:"llm"`
	Database database.Config `yaml:"database"`
	Channels ChannelsConfig  `yaml:"channels"`
	History  HistoryConfig   `yaml:"history"`
	Gateway  GatewayConfig   `yaml:"gateway"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// ChannelsConfig holds per-channel settings.
type ChannelsConfig struct {
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
}

// HistoryConfig controls conversation retention.
type HistoryConfig struct {
	// Retention deletes conversations idle for longer than this (0 keeps
	// them forever).
	Retention time.Duration `yaml:"retention"`

	// PruneSchedule is the cron expression of the retention job.
	PruneSchedule string `yaml:"prune_schedule"`
}

// GatewayConfig configures the admin HTTP API.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// Token, when set, is required as a bearer token on /api routes.
	Token string `yaml:"token"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "WaChat",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Bot:      chat.DefaultConfig(),
		LLM:      llm.DefaultConfig(),
		Database: database.DefaultConfig(),
		Channels: ChannelsConfig{
			WhatsApp: whatsapp.DefaultConfig(),
		},
		History: HistoryConfig{
			PruneSchedule: "@daily",
		},
		Gateway: GatewayConfig{
			Address: "127.0.0.1:8085",
		},
	}
}

// Validate reports configuration errors that would prevent the bot from
// running.
func (c *Config) Validate() error {
	if c.Bot.Prefix == "" {
		return fmt.Errorf("bot.prefix must not be empty")
	}
	if strings.ContainsAny(c.Bot.Prefix, " \t\n") {
		return fmt.Errorf("bot.prefix must not contain whitespace")
	}
	if c.Bot.MaxHistory < 0 {
		return fmt.Errorf("bot.max_history must be >= 0")
	}
	if c.History.Retention < 0 {
		return fmt.Errorf("history.retention must be >= 0")
	}
	if c.Gateway.Enabled && c.Gateway.Address == "" {
		return fmt.Errorf("gateway.address is required when the gateway is enabled")
	}
	switch c.Database.Backend {
	case "", database.BackendSQLite, database.BackendPostgreSQL, database.BackendMemory:
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}
	return nil
}

// LogLevel maps Logging.Level to a slog level (info by default).
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
