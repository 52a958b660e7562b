// Package connection defines the backend session record and the storage
// contract shared by every adapter that authenticates against the backend.
package connection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DefaultLifetime is the backend's default session cookie lifetime.
const DefaultLifetime = 2000000 * time.Second

// Connection is the result of a successful connect or login call.
type Connection struct {
	SessionID   string `json:"sessid,omitempty"`
	SessionName string `json:"session_name,omitempty"`
	// Token is the CSRF token. It is only set when a token was fetched
	// before the connection was established.
	Token string `json:"token,omitempty"`
	User  User   `json:"user"`
}

// HasSession reports whether the connection carries a session cookie.
func (c Connection) HasSession() bool {
	return c.SessionName != "" && c.SessionID != ""
}

// EstablishedAt returns the user timestamp as a time, or the zero time when
// the timestamp is unset.
func (c Connection) EstablishedAt() time.Time {
	if c.User.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.User.Timestamp)
}

// Expired reports whether c is older than lifetime at now. A connection
// without a timestamp is always expired.
func Expired(c Connection, lifetime time.Duration, now time.Time) bool {
	if c.User.Timestamp == 0 {
		return true
	}
	return now.Sub(c.EstablishedAt()) >= lifetime
}

// User is the backend user record embedded in a Connection. Fields other
// than uid, name and timestamp are kept verbatim in Fields so that the
// record round-trips unchanged through storage.
type User struct {
	UID  string
	Name string
	// Timestamp is the session start in milliseconds since the epoch.
	Timestamp int64
	Fields    map[string]json.RawMessage
}

// IsAnonymous reports whether the user is the anonymous user.
func (u User) IsAnonymous() bool {
	return u.UID == "" || u.UID == "0"
}

func (u *User) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*u = User{}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode user: %w", err)
	}

	var out User
	var err error

	if v, ok := raw["uid"]; ok {
		if out.UID, err = scalarString(v); err != nil {
			return fmt.Errorf("decode user uid: %w", err)
		}
		delete(raw, "uid")
	}

	if v, ok := raw["name"]; ok {
		if out.Name, err = scalarString(v); err != nil {
			return fmt.Errorf("decode user name: %w", err)
		}
		delete(raw, "name")
	}

	if v, ok := raw["timestamp"]; ok {
		ts, err := scalarString(v)
		if err != nil {
			return fmt.Errorf("decode user timestamp: %w", err)
		}
		if ts != "" {
			out.Timestamp, err = strconv.ParseInt(ts, 10, 64)
			if err != nil {
				return fmt.Errorf("decode user timestamp: %w", err)
			}
		}
		delete(raw, "timestamp")
	}

	if len(raw) > 0 {
		out.Fields = raw
	}

	*u = out
	return nil
}

func (u User) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(u.Fields)+3)
	for k, v := range u.Fields {
		out[k] = v
	}

	if u.UID != "" {
		out["uid"] = u.UID
	}
	if u.Name != "" {
		out["name"] = u.Name
	}
	if u.Timestamp != 0 {
		out["timestamp"] = u.Timestamp
	}

	return json.Marshal(out)
}

// scalarString decodes a JSON string, number or null into a string.
func scalarString(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return "", nil
	}

	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", err
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", v)
	}
	return n.String(), nil
}
