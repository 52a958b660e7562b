package connection

import (
	"context"
	"time"
)

// Persister stamps connections with their start time and hands them to a
// Store. Every adapter that establishes a session saves through it.
type Persister struct {
	store Store
	now   func() time.Time
}

// NewPersister creates a Persister writing to store. A nil now uses time.Now.
func NewPersister(store Store, now func() time.Time) *Persister {
	if now == nil {
		now = time.Now
	}
	return &Persister{store: store, now: now}
}

// SaveConnection sets c.User.Timestamp when it is unset and stores c.
// An existing timestamp is never overwritten.
func (p *Persister) SaveConnection(ctx context.Context, c *Connection) error {
	if c.User.Timestamp == 0 {
		c.User.Timestamp = p.now().UnixMilli()
	}
	return p.store.Save(ctx, *c)
}
