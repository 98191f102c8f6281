// Package config loads consistd settings from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds engine and CLI settings. Command-line flags override the
// values read from the environment.
type Config struct {
	DBPath           string        `env:"CONSISTD_DB_PATH"           envDefault:"consistd.db"`
	PostgresDSN      string        `env:"CONSISTD_POSTGRES_DSN"`
	RedisAddr        string        `env:"CONSISTD_REDIS_ADDR"`
	RedisPrefix      string        `env:"CONSISTD_REDIS_PREFIX"      envDefault:"consistd:"`
	RetryBudget      int           `env:"CONSISTD_RETRY_BUDGET"      envDefault:"5"`
	OperationTimeout time.Duration `env:"CONSISTD_OPERATION_TIMEOUT" envDefault:"30s"`
	MaxParallel      int           `env:"CONSISTD_MAX_PARALLEL"      envDefault:"0"`
	MasterSystem     string        `env:"CONSISTD_MASTER_SYSTEM"     envDefault:"primary"`
	Subsystems       []string      `env:"CONSISTD_SUBSYSTEMS"        envDefault:"primary" envSeparator:","`
	LogLevel         string        `env:"CONSISTD_LOG_LEVEL"         envDefault:"info"`
	LogFormat        string        `env:"CONSISTD_LOG_FORMAT"        envDefault:"text"`
}

// LogFormats are the accepted values of LogFormat.
var LogFormats = []string{"text", "json"}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field constraints.
func (c Config) Validate() error {
	switch {
	case c.RetryBudget < 1:
		return fmt.Errorf("retry budget must be at least 1, got %d", c.RetryBudget)
	case c.OperationTimeout <= 0:
		return fmt.Errorf("operation timeout must be positive, got %s", c.OperationTimeout)
	case c.MaxParallel < 0:
		return fmt.Errorf("max parallel must not be negative, got %d", c.MaxParallel)
	case len(c.Subsystems) == 0:
		return fmt.Errorf("at least one subsystem is required")
	case !slices.Contains(c.Subsystems, c.MasterSystem):
		return fmt.Errorf("master system %q is not one of the subsystems %v", c.MasterSystem, c.Subsystems)
	case !slices.Contains(LogFormats, c.LogFormat):
		return fmt.Errorf("invalid log format %q: must be one of %v", c.LogFormat, LogFormats)
	}
	seen := make(map[string]bool, len(c.Subsystems))
	for _, s := range c.Subsystems {
		if s == "" {
			return fmt.Errorf("empty subsystem name in %v", c.Subsystems)
		}
		if seen[s] {
			return fmt.Errorf("duplicate subsystem %q", s)
		}
		seen[s] = true
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the configured slog level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// NewLogger builds the slog logger described by the config. verbose forces
// debug level.
func (c Config) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
