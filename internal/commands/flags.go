package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/hay-kot/drupalctl/internal/core/config"
	"github.com/hay-kot/drupalctl/internal/core/connection"
	"github.com/hay-kot/drupalctl/internal/drupal"
	"github.com/hay-kot/drupalctl/internal/store/jsonfile"
	"github.com/hay-kot/drupalctl/internal/store/redisstore"
	"github.com/hay-kot/drupalctl/internal/system"
	"github.com/hay-kot/drupalctl/internal/user"
)

type Flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
	DataDir    string
	BaseURL    string

	// Config is loaded in the Before hook and available to all commands
	Config *config.Config

	// Sessions holds the single connection slot shared by all services
	Sessions connection.Store

	// Persister stamps and saves connections for the services
	Persister *connection.Persister

	client *drupal.Client
	closer func() error
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, _ := os.UserHomeDir()
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "drupalctl", "config.yaml")
}

// DefaultDataDir returns the default data directory using XDG_DATA_HOME.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "drupalctl")
}

// OpenSessions builds the connection store selected by the config.
func (f *Flags) OpenSessions() error {
	if f.Config == nil {
		return errors.New("configuration not loaded")
	}

	cfg := f.Config
	lifetime := cfg.Session.Lifetime.Std()

	switch cfg.Session.Backend {
	case config.BackendRedis:
		store := redisstore.Open(redisstore.Options{
			Addr:     cfg.Session.Redis.Addr,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
			Key:      cfg.Session.Redis.Key,
			Lifetime: lifetime,
		})
		f.Sessions = store
		f.closer = store.Close
	default:
		f.Sessions = jsonfile.New(cfg.SessionFile(), lifetime)
	}

	f.Persister = connection.NewPersister(f.Sessions, nil)
	return nil
}

// Close releases resources held by the session store.
func (f *Flags) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer()
}

// Transport returns the backend client, creating it on first use.
func (f *Flags) Transport() (*drupal.Client, error) {
	if f.client != nil {
		return f.client, nil
	}
	if f.Config == nil || f.Sessions == nil {
		return nil, errors.New("configuration not loaded")
	}
	if f.Config.BaseURL == "" {
		return nil, errors.New("no backend configured, set base_url in the config file or pass --base-url")
	}

	cfg := f.Config
	client, err := drupal.New(drupal.Options{
		BaseURL:   cfg.BaseURL,
		Endpoint:  cfg.Endpoint,
		TokenPath: cfg.TokenPath,
		Timeout:   cfg.HTTP.Timeout.Std(),
		Retries:   uint(cfg.HTTP.Retries), //nolint:gosec // validated non-negative
		UserAgent: cfg.HTTP.UserAgent,
	}, f.Sessions, log.With().Str("component", "transport").Logger())
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	f.client = client
	return client, nil
}

// SystemService returns the system resource adapter.
func (f *Flags) SystemService() (*system.Service, error) {
	client, err := f.Transport()
	if err != nil {
		return nil, err
	}
	return system.New(client, client, f.Sessions, f.Persister, log.With().Str("component", "system").Logger()), nil
}

// UserService returns the user resource adapter.
func (f *Flags) UserService() (*user.Service, error) {
	client, err := f.Transport()
	if err != nil {
		return nil, err
	}
	return user.New(client, client, f.Sessions, f.Persister, log.With().Str("component", "user").Logger()), nil
}
