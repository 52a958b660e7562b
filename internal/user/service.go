// Package user implements the backend's user resource: logging in and out
// and fetching a CSRF token for the current session.
package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hay-kot/drupalctl/internal/core/connection"
	"github.com/hay-kot/drupalctl/internal/drupal"
)

const entity = "user"

// Transport posts calls to the backend.
type Transport interface {
	Post(ctx context.Context, call drupal.Call, out any) error
}

// TokenProvider fetches a CSRF token for the held session.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResult struct {
	Token string `json:"token"`
}

// Service is the user resource adapter.
type Service struct {
	transport Transport
	tokens    TokenProvider
	sessions  connection.Store
	persister *connection.Persister
	log       zerolog.Logger
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

// Login authenticates and stores the resulting session together with a
// token issued for it.
func (s *Service) Login(ctx context.Context, username, password string) (*connection.Connection, error) {
	s.log.Info().Str("username", username).Msg("logging in")

	var conn connection.Connection
	call := drupal.Call{Entity: entity, Resource: "login", Body: credentials{Username: username, Password: password}}
	if err := s.transport.Post(ctx, call, &conn); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	// The token endpoint binds tokens to the session cookie, so the new
	// session must be stored before a token can be issued for it.
	if err := s.persister.SaveConnection(ctx, &conn); err != nil {
		return nil, fmt.Errorf("save connection: %w", err)
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, s.discard(ctx, fmt.Errorf("fetch token: %w", err))
	}

	conn.Token = token
	if err := s.persister.SaveConnection(ctx, &conn); err != nil {
		return nil, s.discard(ctx, fmt.Errorf("save connection: %w", err))
	}

	s.log.Debug().Str("uid", conn.User.UID).Msg("logged in")
	return &conn, nil
}

// discard clears the session stored part way through a failed login and
// returns cause.
func (s *Service) discard(ctx context.Context, cause error) error {
	if err := s.sessions.Clear(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to clear partial login session")
		return errors.Join(cause, fmt.Errorf("clear session: %w", err))
	}
	return cause
}

// Logout ends the backend session and clears the held connection.
func (s *Service) Logout(ctx context.Context) error {
	call := drupal.Call{Entity: entity, Resource: "logout", Body: struct{}{}}
	if err := s.transport.Post(ctx, call, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	if err := s.sessions.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	s.log.Info().Msg("logged out")
	return nil
}

// Token asks the user resource for a CSRF token for the held session.
func (s *Service) Token(ctx context.Context) (string, error) {
	var out tokenResult
	call := drupal.Call{Entity: entity, Resource: "token", Body: struct{}{}}
	if err := s.transport.Post(ctx, call, &out); err != nil {
		return "", fmt.Errorf("token: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("token: backend returned an empty token")
	}
	return out.Token, nil
}
