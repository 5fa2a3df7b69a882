// Package config loads replan settings.
//
// Sources, lowest priority first:
//  1. Defaults
//  2. TOML file (~/.config/replan/config.toml unless a path is given)
//  3. Environment variables (OPENAI_*, REPLAN_*)
//
// CLI flags are applied on top by cmd/replan.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/haricheung/replan/internal/calendar"
	"github.com/haricheung/replan/internal/llm"
)

const (
	DefaultHTTPAddr = ":8080"
	DefaultTimezone = "Local"
	DefaultLogLevel = "info"
	appName         = "replan"
)

// HTTPConfig configures `replan serve`.
type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | json | logfmt
}

// Config is the full replan configuration.
type Config struct {
	DataDir  string          `toml:"data_dir"`
	Timezone string          `toml:"timezone"`
	LLM      llm.Config      `toml:"llm"`
	HTTP     HTTPConfig      `toml:"http"`
	Calendar calendar.Config `toml:"calendar"`
	Log      LogConfig       `toml:"log"`
}

// Location resolves Timezone. "Local" and "" select the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Paths derived from DataDir.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "db") }
func (c *Config) RunLogDir() string { return filepath.Join(c.DataDir, "runs") }
func (c *Config) AuditPath() string { return filepath.Join(c.DataDir, "audit.jsonl") }
func (c *Config) LLMDebugPath() string { return filepath.Join(c.DataDir, "llm_debug.log") }

// Defaults returns the configuration used when nothing else is set.
func Defaults() *Config {
	return &Config{
		DataDir:  defaultDataDir(),
		Timezone: DefaultTimezone,
		HTTP:     HTTPConfig{Addr: DefaultHTTPAddr},
		Calendar: calendar.Config{
			Name:            "primary",
			CredentialsFile: filepath.Join(configDir(), "credentials.json"),
			TokenFile:       filepath.Join(configDir(), "token.json"),
		},
		Log: LogConfig{Level: DefaultLogLevel, Format: "text"},
	}
}

// DefaultPath is the config file read when no explicit path is given.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.toml")
}

// Load builds a Config from defaults, the TOML file at path and the environment.
// An empty path reads DefaultPath() if it exists.
//
// Expectations:
//   - A missing default file is not an error
//   - A missing explicit file is an error
//   - File values override defaults and environment overrides the file
//   - LLM credentials fall back to the OPENAI_* variables
//   - Malformed TOML is an error naming the file
func Load(path string) (*Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: %w", err)
	}

	loadFromEnv(cfg)
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	cfg.LLM = cfg.LLM.WithEnv("REPLAN")
	if v := os.Getenv("REPLAN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("REPLAN_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("REPLAN_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("REPLAN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("REPLAN_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if b, err := strconv.ParseBool(os.Getenv("REPLAN_CALENDAR")); err == nil {
		cfg.Calendar.Enabled = b
	}
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName)
	}
	return "." + appName
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "."+appName)
	}
	return "." + appName
}
