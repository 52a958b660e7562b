package doctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hay-kot/drupalctl/internal/core/connection"
)

// Pinger is implemented by session stores backed by a server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCheck inspects the session store and the held connection.
type SessionCheck struct {
	store   connection.Store
	backend string
	now     func() time.Time
}

// NewSessionCheck creates a new session check for the named backend.
func NewSessionCheck(store connection.Store, backend string) *SessionCheck {
	return &SessionCheck{store: store, backend: backend, now: time.Now}
}

func (c *SessionCheck) Name() string {
	return "Session"
}

func (c *SessionCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	if c.store == nil {
		result.Items = append(result.Items, CheckItem{
			Label:  "Store",
			Status: StatusFail,
			Detail: "session store not configured",
		})
		return result
	}

	if pinger, ok := c.store.(Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			result.Items = append(result.Items, CheckItem{
				Label:  "Store (" + c.backend + ")",
				Status: StatusFail,
				Detail: err.Error(),
			})
			return result
		}
	}

	conn, err := c.store.Load(ctx)
	switch {
	case errors.Is(err, connection.ErrNoConnection):
		result.Items = append(result.Items,
			CheckItem{Label: "Store (" + c.backend + ")", Status: StatusPass},
			CheckItem{Label: "Held session", Status: StatusPass, Detail: "none, run drupalctl connect"},
		)
		return result
	case err != nil:
		result.Items = append(result.Items, CheckItem{
			Label:  "Store (" + c.backend + ")",
			Status: StatusFail,
			Detail: err.Error(),
		})
		return result
	}

	result.Items = append(result.Items, CheckItem{Label: "Store (" + c.backend + ")", Status: StatusPass})

	if c.store.IsExpired(conn) {
		result.Items = append(result.Items, CheckItem{
			Label:  "Held session",
			Status: StatusWarn,
			Detail: "expired, it will be discarded on the next connect",
		})
		return result
	}

	detail := "anonymous"
	if !conn.User.IsAnonymous() {
		detail = "user " + conn.User.UID
	}
	if at := conn.EstablishedAt(); !at.IsZero() {
		detail += fmt.Sprintf(", established %s ago", c.now().Sub(at).Truncate(time.Second))
	}

	result.Items = append(result.Items, CheckItem{
		Label:  "Held session",
		Status: StatusPass,
		Detail: detail,
	})
	return result
}
