package connection

import (
	"context"
	"errors"
)

// ErrNoConnection is returned when no connection is held.
var ErrNoConnection = errors.New("no connection held")

// Store holds at most one Connection, the session currently in use.
type Store interface {
	// Load returns the held connection. Returns ErrNoConnection if the slot is empty.
	Load(ctx context.Context) (Connection, error)
	// Save replaces the held connection.
	Save(ctx context.Context, c Connection) error
	// Clear empties the slot. Clearing an empty slot is not an error.
	Clear(ctx context.Context) error
	// IsExpired reports whether c is too old to be reused.
	IsExpired(c Connection) bool
}
