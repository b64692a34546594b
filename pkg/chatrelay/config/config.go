// Package config defines the chatrelay configuration, its defaults and
// validation. Loading, environment expansion and secret resolution live in
// loader.go and keyring.go.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels/telegram"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/gateway"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/llm"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/relay"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/session"
)

// Config is the top-level chatrelay configuration.
type Config struct {
	// Name is the bot's display name, used when the transport reports none.
	Name string `yaml:"name"`

	Telegram telegram.Config        `yaml:"telegram"`
	API      llm.Config             `yaml:"api"`
	Limits   relay.Limits           `yaml:"limits"`
	Sessions session.Config         `yaml:"sessions"`
	Workers  relay.DispatcherConfig `yaml:"workers"`
	Gateway  gateway.Config         `yaml:"gateway"`
	Logging  LoggingConfig          `yaml:"logging"`
}

// LoggingConfig configures the slog handler built by the CLI.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Name:     "chatrelay",
		Telegram: telegram.DefaultConfig(),
		API:      llm.DefaultConfig(),
		Limits:   relay.DefaultLimits(),
		Sessions: session.DefaultConfig(),
		Workers:  relay.DefaultDispatcherConfig(),
		Gateway:  gateway.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" || IsEnvReference(c.Telegram.Token) {
		errs = append(errs, errors.New("telegram.token is required (set TELEGRAM_BOT_TOKEN)"))
	}
	return errors.Join(append(errs, c.ValidateLocal())...)
}

// ValidateLocal is Validate without the Telegram requirements, for the
// local console.
func (c *Config) ValidateLocal() error {
	var errs []error
	if c.Limits.MaxInputChars <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_input_chars must be positive, got %d", c.Limits.MaxInputChars))
	}
	if c.Limits.MaxOutputChars <= relay.HeaderBudget {
		errs = append(errs, fmt.Errorf("limits.max_output_chars must exceed %d, got %d", relay.HeaderBudget, c.Limits.MaxOutputChars))
	}
	if c.API.Timeout < 0 {
		errs = append(errs, fmt.Errorf("api.timeout must not be negative, got %s", c.API.Timeout))
	}
	if c.Sessions.IdleTTL < 0 {
		errs = append(errs, fmt.Errorf("sessions.idle_ttl must not be negative, got %s", c.Sessions.IdleTTL))
	}
	if c.Sessions.IdleTTL > 0 && strings.TrimSpace(c.Sessions.PruneSchedule) == "" {
		errs = append(errs, errors.New("sessions.prune_schedule is required when sessions.idle_ttl is set"))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// SlogLevel maps Logging.Level to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
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

// AllowList returns the channel allow-list as the relay expects it.
func (c *Config) AllowList() relay.AllowList {
	return relay.NewAllowList(c.Telegram.AllowedChannelIDs...)
}
