// Package config handles configuration loading and validation for drupalctl.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hay-kot/criterio"
	"gopkg.in/yaml.v3"

	"github.com/hay-kot/drupalctl/internal/core/connection"
)

// Session backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Config holds the application configuration.
type Config struct {
	BaseURL   string        `yaml:"base_url"`
	Endpoint  string        `yaml:"endpoint"`
	TokenPath string        `yaml:"token_path"`
	Session   SessionConfig `yaml:"session"`
	HTTP      HTTPConfig    `yaml:"http"`
	DataDir   string        `yaml:"-"` // set by caller, not from config file
}

// SessionConfig controls where the held connection is kept and for how long.
type SessionConfig struct {
	Backend  string      `yaml:"backend"`
	Lifetime Duration    `yaml:"lifetime"`
	Redis    RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis session backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	Key      string `yaml:"key"`
}

// HTTPConfig configures the backend transport.
type HTTPConfig struct {
	Timeout   Duration `yaml:"timeout"`
	Retries   int      `yaml:"retries"`
	UserAgent string   `yaml:"user_agent"`
}

// Overrides are values supplied by flags or environment that take
// precedence over the config file.
type Overrides struct {
	DataDir string
	BaseURL string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:  "api",
		TokenPath: "services/session/token",
		Session: SessionConfig{
			Backend:  BackendFile,
			Lifetime: Duration(connection.DefaultLifetime),
			Redis: RedisConfig{
				Addr: "localhost:6379",
				Key:  "drupalctl:connection",
			},
		},
		HTTP: HTTPConfig{
			Timeout:   Duration(30 * time.Second),
			UserAgent: "drupalctl",
		},
	}
}

// Load reads configuration from the given path and applies overrides.
// If configPath is empty or doesn't exist, returns defaults.
func Load(configPath string, overrides Overrides) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}

			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.DataDir = overrides.DataDir
	if overrides.BaseURL != "" {
		cfg.BaseURL = overrides.BaseURL
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = defaults.Endpoint
	}
	if c.TokenPath == "" {
		c.TokenPath = defaults.TokenPath
	}
	if c.Session.Backend == "" {
		c.Session.Backend = defaults.Session.Backend
	}
	if c.Session.Lifetime == 0 {
		c.Session.Lifetime = defaults.Session.Lifetime
	}
	if c.Session.Redis.Addr == "" {
		c.Session.Redis.Addr = defaults.Session.Redis.Addr
	}
	if c.Session.Redis.Key == "" {
		c.Session.Redis.Key = defaults.Session.Redis.Key
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = defaults.HTTP.Timeout
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = defaults.HTTP.UserAgent
	}
}

// Validate checks that the configuration is usable. The base URL is not
// required here so that offline commands work without one.
func (c *Config) Validate() error {
	var b criterio.FieldErrorsBuilder

	if c.DataDir == "" {
		b = b.Append("data_dir", errors.New("data directory cannot be empty"))
	}

	switch c.Session.Backend {
	case BackendFile, BackendRedis:
	default:
		b = b.Append("session.backend", fmt.Errorf("unknown backend %q, use %q or %q", c.Session.Backend, BackendFile, BackendRedis))
	}

	if c.Session.Lifetime < 0 {
		b = b.Append("session.lifetime", errors.New("must not be negative"))
	}
	if c.Session.Redis.DB < 0 {
		b = b.Append("session.redis.db", errors.New("must not be negative"))
	}
	if c.HTTP.Timeout < 0 {
		b = b.Append("http.timeout", errors.New("must not be negative"))
	}
	if c.HTTP.Retries < 0 {
		b = b.Append("http.retries", errors.New("must not be negative"))
	}

	return b.ToError()
}

// SessionFile returns the path to the held connection file.
func (c *Config) SessionFile() string {
	return filepath.Join(c.DataDir, "connection.json")
}
