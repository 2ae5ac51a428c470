// Package config loads wishbridge.toml and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the default configuration file name.
const FileName = "wishbridge.toml"

// Config holds host configuration.
type Config struct {
	Runtime Runtime `toml:"runtime"`
	Relay   Relay   `toml:"relay"`
	Log     Log     `toml:"log"`

	// Path is the file the configuration was read from, if any.
	Path string `toml:"-"`
}

// Runtime configures the child process.
type Runtime struct {
	Program      string   `toml:"program"`
	Args         []string `toml:"args"`
	QueueSize    int      `toml:"queue_size"`
	Preamble     bool     `toml:"preamble"`
	Scripts      []string `toml:"scripts"`
	WatchScripts bool     `toml:"watch_scripts"`
}

// Relay configures the websocket relay.
type Relay struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	History int    `toml:"history"`
}

// Log configures the logger.
type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Runtime: Runtime{
			Program:   "wish",
			QueueSize: 256,
			Preamble:  true,
		},
		Relay: Relay{
			Addr:    ":8421",
			History: 200,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads the configuration at path on top of the defaults, then applies
// environment overrides. An empty path uses $WISHBRIDGE_CONFIG, or
// wishbridge.toml in the working directory if it exists.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("WISHBRIDGE_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = FileName
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse error in %s: %w", path, err)
		}
		cfg.Path = path
		cfg.resolveScripts()
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("cannot read %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// resolveScripts makes script paths relative to the configuration file.
func (c *Config) resolveScripts() {
	dir := filepath.Dir(c.Path)
	for i, s := range c.Runtime.Scripts {
		if !filepath.IsAbs(s) {
			c.Runtime.Scripts[i] = filepath.Join(dir, s)
		}
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WISHBRIDGE_PROGRAM"); v != "" {
		cfg.Runtime.Program = v
	}
	if v := os.Getenv("WISHBRIDGE_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.QueueSize = n
		}
	}
	if v := os.Getenv("WISHBRIDGE_ADDR"); v != "" {
		cfg.Relay.Addr = v
		cfg.Relay.Enabled = true
	}
	if v := os.Getenv("WISHBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// Validate reports configuration values that cannot work.
func (c Config) Validate() error {
	if c.Runtime.Program == "" {
		return fmt.Errorf("runtime.program must not be empty")
	}
	if c.Runtime.QueueSize < 1 {
		return fmt.Errorf("runtime.queue_size must be positive, got %d", c.Runtime.QueueSize)
	}
	if c.Relay.Enabled && c.Relay.Addr == "" {
		return fmt.Errorf("relay.addr is required when the relay is enabled")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return nil
}
