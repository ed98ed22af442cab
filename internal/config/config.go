// Package config loads the settings of the found bridge commands.
//
// Values are resolved in order: defaults, an optional YAML file, then
// FMBRIDGE_* environment variables. The result is validated before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/apex/log"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvListen            = "FMBRIDGE_LISTEN"
	EnvRateLimitRequests = "FMBRIDGE_RATE_LIMIT_REQUESTS"
	EnvRateLimitWindow   = "FMBRIDGE_RATE_LIMIT_WINDOW"
	EnvEventsBuffer      = "FMBRIDGE_EVENTS_BUFFER"
	EnvShimPath          = "FMBRIDGE_SHIM_PATH"
	EnvLogLevel          = "FMBRIDGE_LOG_LEVEL"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Events EventsConfig `yaml:"events"`
	Shim   ShimConfig   `yaml:"shim"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Listen    string          `yaml:"listen"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds generation requests per client IP. Requests <= 0
// disables limiting.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type EventsConfig struct {
	// Buffer is the per-client queue length of the SSE relay.
	Buffer int `yaml:"buffer"`
}

type ShimConfig struct {
	// Path to libFMShim.dylib. Empty means search the default locations.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen: "127.0.0.1:8787",
			RateLimit: RateLimitConfig{
				Requests: 60,
				Window:   time.Minute,
			},
		},
		Events: EventsConfig{Buffer: 64},
		Log:    LogConfig{Level: "info"},
	}
}

// Load resolves the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := mergeEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: multiple documents or trailing content", path)
	}

	log.WithField("path", path).Debug("loaded config file")
	return nil
}

func mergeEnv(cfg *Config) error {
	if v, ok := lookup(EnvListen); ok {
		cfg.Server.Listen = v
	}
	if v, ok := lookup(EnvRateLimitRequests); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateLimitRequests, err)
		}
		cfg.Server.RateLimit.Requests = n
	}
	if v, ok := lookup(EnvRateLimitWindow); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateLimitWindow, err)
		}
		cfg.Server.RateLimit.Window = d
	}
	if v, ok := lookup(EnvEventsBuffer); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvEventsBuffer, err)
		}
		cfg.Events.Buffer = n
	}
	if v, ok := lookup(EnvShimPath); ok {
		cfg.Shim.Path = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	return nil
}

// lookup treats an empty variable as unset.
func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	log.WithField("key", key).Debug("using environment variable")
	return v, true
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen %q: %w", c.Server.Listen, err)
	}
	if c.Server.RateLimit.Requests > 0 && c.Server.RateLimit.Window <= 0 {
		return fmt.Errorf("server.rate_limit.window must be positive, got %s", c.Server.RateLimit.Window)
	}
	if c.Events.Buffer < 1 {
		return fmt.Errorf("events.buffer must be at least 1, got %d", c.Events.Buffer)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level %q: %w", c.Log.Level, err)
	}
	return nil
}

// LogLevel returns the parsed log level; Validate guarantees it parses.
func (c Config) LogLevel() log.Level {
	lvl, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
