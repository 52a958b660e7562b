// Package system implements the backend's system resource: establishing a
// session and reading, writing and deleting named variables.
package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hay-kot/drupalctl/internal/core/connection"
	"github.com/hay-kot/drupalctl/internal/drupal"
)

const entity = "system"

// Transport posts calls to the backend.
type Transport interface {
	Post(ctx context.Context, call drupal.Call, out any) error
}

// TokenProvider fetches a CSRF token for the pending connect.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type nameArgs struct {
	Name string `json:"name"`
}

type setArgs struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Service is the system resource adapter.
type Service struct {
	transport Transport
	tokens    TokenProvider
	sessions  connection.Store
	persister *connection.Persister
	log       zerolog.Logger

	// connectMu serializes Connect so overlapping calls cannot interleave
	// their load, clear and save steps.
	connectMu sync.Mutex
}

// New creates a new Service.
func New(
	transport Transport,
	tokens TokenProvider,
	sessions connection.Store,
	persister *connection.Persister,
	log zerolog.Logger,
) *Service {
	return &Service{
		transport: transport,
		tokens:    tokens,
		sessions:  sessions,
		persister: persister,
		log:       log,
	}
}

// Connect establishes a session with the backend and stores it.
//
// An expired held session is cleared first. A token is fetched before
// connecting when no session is held, when the held session already carries
// a token, or when refresh is set; the fetched token is attached to the
// returned connection.
func (s *Service) Connect(ctx context.Context, refresh bool) (*connection.Connection, error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	held, err := s.loadValid(ctx)
	if err != nil {
		return nil, err
	}

	if !needsToken(held, refresh) {
		s.log.Debug().Msg("connecting with held session")

		conn, err := s.connect(ctx, "")
		if err != nil {
			return nil, err
		}
		if err := s.persister.SaveConnection(ctx, conn); err != nil {
			return nil, fmt.Errorf("save connection: %w", err)
		}
		return conn, nil
	}

	s.log.Debug().
		Bool("held", held != nil).
		Bool("refresh", refresh).
		Msg("fetching token before connect")

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}

	conn, err := s.connect(ctx, token)
	if err != nil {
		return nil, err
	}

	conn.Token = token
	if err := s.persister.SaveConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("save connection: %w", err)
	}
	return conn, nil
}

// needsToken decides whether a token is fetched before connecting. A held
// connection that already carries a token triggers a new fetch.
func needsToken(held *connection.Connection, refresh bool) bool {
	return held == nil || held.Token != "" || refresh
}

// loadValid returns the held connection, clearing it and returning nil when
// it has expired.
func (s *Service) loadValid(ctx context.Context) (*connection.Connection, error) {
	held, err := s.sessions.Load(ctx)
	if errors.Is(err, connection.ErrNoConnection) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	if s.sessions.IsExpired(held) {
		s.log.Info().
			Time("established_at", held.EstablishedAt()).
			Msg("held session expired, clearing")

		if err := s.sessions.Clear(ctx); err != nil {
			return nil, fmt.Errorf("clear expired session: %w", err)
		}
		return nil, nil
	}

	return &held, nil
}

func (s *Service) connect(ctx context.Context, token string) (*connection.Connection, error) {
	var conn connection.Connection
	call := drupal.Call{Entity: entity, Resource: "connect", Body: struct{}{}, Token: token}
	if err := s.transport.Post(ctx, call, &conn); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &conn, nil
}

// GetVariable returns the raw JSON value of the named variable. A variable
// the backend does not know is returned as nil.
func (s *Service) GetVariable(ctx context.Context, name string) (json.RawMessage, error) {
	var value json.RawMessage
	call := drupal.Call{Entity: entity, Resource: "get_variable", Body: nameArgs{Name: name}}
	if err := s.transport.Post(ctx, call, &value); err != nil {
		return nil, fmt.Errorf("get variable %q: %w", name, err)
	}
	return value, nil
}

// SetVariable stores value under name, replacing any previous value.
func (s *Service) SetVariable(ctx context.Context, name string, value any) error {
	call := drupal.Call{Entity: entity, Resource: "set_variable", Body: setArgs{Name: name, Value: value}}
	if err := s.transport.Post(ctx, call, nil); err != nil {
		return fmt.Errorf("set variable %q: %w", name, err)
	}
	return nil
}

// DelVariable deletes the named variable. Deleting an absent variable is
// not an error.
func (s *Service) DelVariable(ctx context.Context, name string) error {
	call := drupal.Call{Entity: entity, Resource: "del_variable", Body: nameArgs{Name: name}}
	if err := s.transport.Post(ctx, call, nil); err != nil {
		return fmt.Errorf("delete variable %q: %w", name, err)
	}
	return nil
}
