// Package redisstore provides a Redis-backed connection store, for sharing
// one backend session between several hosts.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hay-kot/drupalctl/internal/core/connection"
)

// DefaultKey is the Redis key used when none is configured.
const DefaultKey = "drupalctl:connection"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Lifetime time.Duration
}

// Store implements connection.Store with a single Redis key. The key
// expires after the connection lifetime.
type Store struct {
	client   *redis.Client
	key      string
	lifetime time.Duration
	now      func() time.Time
}

// minTTL keeps a just-expired connection around briefly rather than
// passing a zero or negative expiration to SET.
const minTTL = time.Second

// New creates a store using an existing client.
func New(client *redis.Client, key string, lifetime time.Duration) *Store {
	if key == "" {
		key = DefaultKey
	}
	if lifetime <= 0 {
		lifetime = connection.DefaultLifetime
	}
	return &Store{client: client, key: key, lifetime: lifetime, now: time.Now}
}

// Open creates a client from opts and returns a store using it.
func Open(opts Options) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return New(client, opts.Key, opts.Lifetime)
}

// Ping checks that Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Load returns the held connection. Returns ErrNoConnection if the key is absent.
func (s *Store) Load(ctx context.Context) (connection.Connection, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return connection.Connection{}, connection.ErrNoConnection
	}
	if err != nil {
		return connection.Connection{}, fmt.Errorf("get %s: %w", s.key, err)
	}

	var c connection.Connection
	if err := json.Unmarshal(data, &c); err != nil {
		return connection.Connection{}, fmt.Errorf("parse connection: %w", err)
	}
	return c, nil
}

// Save replaces the held connection. The key expires when the connection
// does, counted from its timestamp.
func (s *Store) Save(ctx context.Context, c connection.Connection) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}

	if err := s.client.Set(ctx, s.key, data, s.ttl(c)).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	return nil
}

// Clear deletes the key. Deleting an absent key is not an error.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", s.key, err)
	}
	return nil
}

// IsExpired reports whether c is older than the store's lifetime.
func (s *Store) IsExpired(c connection.Connection) bool {
	return connection.Expired(c, s.lifetime, s.now())
}

// ttl returns the lifetime remaining for c. A connection without a
// timestamp gets the full lifetime; IsExpired already reports it expired.
func (s *Store) ttl(c connection.Connection) time.Duration {
	at := c.EstablishedAt()
	if at.IsZero() {
		return s.lifetime
	}

	remaining := s.lifetime - s.now().Sub(at)
	if remaining < minTTL {
		return minTTL
	}
	return remaining
}
