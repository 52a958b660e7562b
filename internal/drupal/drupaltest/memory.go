// Package drupaltest provides fakes for testing code built on the drupal
// transport: an in-memory connection store, a recording transport and an
// httptest backend.
package drupaltest

import (
	"context"
	"sync"
	"time"

	"github.com/hay-kot/drupalctl/internal/core/connection"
)

// MemoryStore implements connection.Store in memory.
type MemoryStore struct {
	mu       sync.Mutex
	held     *connection.Connection
	Lifetime time.Duration

	// Saves and Clears count the calls made.
	Saves  int
	Clears int

	// LoadErr, SaveErr and ClearErr are returned by the matching calls when set.
	LoadErr  error
	SaveErr  error
	ClearErr error
}

// NewMemoryStore returns a store holding c, or an empty one when c is nil.
func NewMemoryStore(c *connection.Connection) *MemoryStore {
	s := &MemoryStore{Lifetime: connection.DefaultLifetime}
	if c != nil {
		held := *c
		s.held = &held
	}
	return s
}

func (s *MemoryStore) Load(_ context.Context) (connection.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.LoadErr != nil {
		return connection.Connection{}, s.LoadErr
	}
	if s.held == nil {
		return connection.Connection{}, connection.ErrNoConnection
	}
	return *s.held, nil
}

func (s *MemoryStore) Save(_ context.Context, c connection.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.Saves++
	s.held = &c
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ClearErr != nil {
		return s.ClearErr
	}
	s.Clears++
	s.held = nil
	return nil
}

func (s *MemoryStore) IsExpired(c connection.Connection) bool {
	return connection.Expired(c, s.Lifetime, time.Now())
}

// Held returns the held connection, or nil.
func (s *MemoryStore) Held() *connection.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held == nil {
		return nil
	}
	c := *s.held
	return &c
}
