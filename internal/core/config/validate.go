package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/hay-kot/criterio"
)

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Category string `json:"category"`
	Item     string `json:"item,omitempty"`
	Message  string `json:"message"`
}

// ValidateDeep performs comprehensive validation of the configuration.
// Unlike Validate(), this requires a backend URL and checks file access.
func (c *Config) ValidateDeep(configPath string) error {
	var b criterio.FieldErrorsBuilder

	if err := c.Validate(); err != nil {
		var fieldErrs criterio.FieldErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				b = b.Append(fe.Field, fe.Err)
			}
		} else {
			b = b.Append("", err)
		}
	}

	b = c.validateFileAccess(b, configPath)
	b = c.validateBaseURL(b)
	b = c.validatePaths(b)
	b = c.validateRedis(b)

	return b.ToError()
}

// validateFileAccess checks the config file and data directory.
func (c *Config) validateFileAccess(b criterio.FieldErrorsBuilder, configPath string) criterio.FieldErrorsBuilder {
	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil {
			if info.IsDir() {
				b = b.Append("config", fmt.Errorf("%s is a directory, not a file", configPath))
			}
		} else if !os.IsNotExist(err) {
			b = b.Append("config", fmt.Errorf("cannot access %s: %w", configPath, err))
		}
	}

	if c.DataDir != "" {
		if info, err := os.Stat(c.DataDir); err == nil {
			if !info.IsDir() {
				b = b.Append("data_dir", fmt.Errorf("%s exists but is not a directory", c.DataDir))
			}
		} else if !os.IsNotExist(err) {
			b = b.Append("data_dir", fmt.Errorf("cannot access %s: %w", c.DataDir, err))
		}
	}

	return b
}

func (c *Config) validateBaseURL(b criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	if c.BaseURL == "" {
		return b.Append("base_url", errors.New("required, set it in the config file or with --base-url"))
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return b.Append("base_url", fmt.Errorf("invalid url: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return b.Append("base_url", fmt.Errorf("scheme must be http or https, got %q", u.Scheme))
	}
	if u.Host == "" {
		return b.Append("base_url", errors.New("missing host"))
	}
	return b
}

func (c *Config) validatePaths(b criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	if strings.Contains(c.Endpoint, "://") {
		b = b.Append("endpoint", errors.New("must be a path relative to base_url"))
	}
	if strings.Contains(c.TokenPath, "://") {
		b = b.Append("token_path", errors.New("must be a path relative to base_url"))
	}
	return b
}

func (c *Config) validateRedis(b criterio.FieldErrorsBuilder) criterio.FieldErrorsBuilder {
	if c.Session.Backend != BackendRedis {
		return b
	}
	if _, _, err := net.SplitHostPort(c.Session.Redis.Addr); err != nil {
		b = b.Append("session.redis.addr", fmt.Errorf("must be host:port: %w", err))
	}
	if c.Session.Redis.Key == "" {
		b = b.Append("session.redis.key", errors.New("cannot be empty"))
	}
	return b
}

// Warnings returns non-fatal configuration issues.
func (c *Config) Warnings() []ValidationWarning {
	var warnings []ValidationWarning

	if u, err := url.Parse(c.BaseURL); err == nil && u.Scheme == "http" {
		warnings = append(warnings, ValidationWarning{
			Category: "Backend",
			Item:     "base_url",
			Message:  "session cookies and tokens are sent over plain http",
		})
	}

	if c.Session.Backend == BackendRedis && c.Session.Redis.Password != "" {
		warnings = append(warnings, ValidationWarning{
			Category: "Session",
			Item:     "session.redis.password",
			Message:  "password is stored in the config file in plain text",
		})
	}

	if c.HTTP.Retries > 5 {
		warnings = append(warnings, ValidationWarning{
			Category: "Backend",
			Item:     "http.retries",
			Message:  fmt.Sprintf("%d retries can stall commands for a long time", c.HTTP.Retries),
		})
	}

	return warnings
}
