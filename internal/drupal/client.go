// Package drupal is the HTTP transport shared by the backend adapters. It
// posts JSON to services resources, attaches the held session's credentials,
// and fetches CSRF tokens.
package drupal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"

	"github.com/hay-kot/drupalctl/internal/core/connection"
)

const (
	// DefaultEndpoint is the services endpoint path.
	DefaultEndpoint = "api"
	// DefaultTokenPath serves the CSRF token for the current session.
	DefaultTokenPath = "services/session/token"
	// DefaultUserAgent is sent when Options.UserAgent is empty.
	DefaultUserAgent = "drupalctl"

	headerCSRFToken = "X-CSRF-Token"
	headerRequestID = "X-Request-ID"
)

// Options configures a Client.
type Options struct {
	BaseURL   string
	Endpoint  string
	TokenPath string
	Timeout   time.Duration
	// Retries is the number of extra attempts made after a transport
	// failure. Backend responses are never retried.
	Retries   uint
	UserAgent string
}

// Call describes one POST to a services resource.
type Call struct {
	Entity   string
	Resource string
	// Body is encoded as JSON. A nil body is sent as {}.
	Body any
	// Token overrides the CSRF token of the held connection.
	Token string
}

func (c Call) path() string {
	return c.Entity + "/" + c.Resource
}

// Client is the transport used by the adapters.
type Client struct {
	opts     Options
	base     *url.URL
	http     *http.Client
	jar      *sessionJar
	sessions connection.Store
	log      zerolog.Logger
}

// New creates a Client. Credentials for each request are read from sessions.
func New(opts Options, sessions connection.Store, log zerolog.Logger) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base url is required")
	}

	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must use http or https", opts.BaseURL)
	}

	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.TokenPath == "" {
		opts.TokenPath = DefaultTokenPath
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	sessionCookies := newSessionJar(jar)

	return &Client{
		opts:     opts,
		base:     base,
		http:     &http.Client{Timeout: opts.Timeout, Jar: sessionCookies},
		jar:      sessionCookies,
		sessions: sessions,
		log:      log,
	}, nil
}

// Post sends call and decodes the JSON response into out. A nil out, an
// empty body, or a JSON null leaves out untouched.
func (c *Client) Post(ctx context.Context, call Call, out any) error {
	body := call.Body
	if body == nil {
		body = struct{}{}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", call.path(), err)
	}

	held, err := c.held(ctx)
	if err != nil {
		return err
	}

	target := c.base.JoinPath(c.opts.Endpoint, call.Entity, call.Resource).String()

	resp, err := c.send(ctx, call.path(), func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		c.authorize(req, held, call.Token)
		return req, nil
	})
	if err != nil {
		return err
	}

	if out == nil || isEmptyBody(resp.body) {
		return nil
	}

	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", call.path(), err)
	}
	return nil
}

// Token fetches a CSRF token for the held session, or for an anonymous
// session when none is held.
func (c *Client) Token(ctx context.Context) (string, error) {
	held, err := c.held(ctx)
	if err != nil {
		return "", err
	}

	target := c.base.JoinPath(c.opts.TokenPath).String()

	resp, err := c.send(ctx, "token", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/plain")
		c.authorize(req, held, "")
		// A token request must not carry the stale token it replaces.
		req.Header.Del(headerCSRFToken)
		return req, nil
	})
	if err != nil {
		return "", err
	}

	token := strings.TrimSpace(string(resp.body))
	if token == "" {
		return "", errors.New("backend returned an empty token")
	}
	return token, nil
}

// held returns the held connection, or nil when the slot is empty.
func (c *Client) held(ctx context.Context) (*connection.Connection, error) {
	conn, err := c.sessions.Load(ctx)
	if errors.Is(err, connection.ErrNoConnection) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &conn, nil
}

// authorize sets the session cookie and CSRF token on req.
func (c *Client) authorize(req *http.Request, held *connection.Connection, token string) {
	req.Header.Set("User-Agent", c.opts.UserAgent)

	if token == "" && held != nil {
		token = held.Token
	}
	if token != "" {
		req.Header.Set(headerCSRFToken, token)
	}

	if held != nil && held.HasSession() {
		c.jar.claim(held.SessionName)
		req.AddCookie(&http.Cookie{Name: held.SessionName, Value: held.SessionID})
	}
}

type response struct {
	code   int
	status string
	body   []byte
}

// send performs the request built by newReq, retrying transport failures
// up to opts.Retries times. Non-2xx answers become a *RemoteError.
func (c *Client) send(ctx context.Context, name string, newReq func() (*http.Request, error)) (*response, error) {
	requestID := uuid.NewString()
	start := time.Now()

	var resp *response
	err := retry.Do(
		func() error {
			req, err := newReq()
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("build %s request: %w", name, err))
			}
			req.Header.Set(headerRequestID, requestID)

			r, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer r.Body.Close() //nolint:errcheck

			body, err := io.ReadAll(r.Body)
			if err != nil {
				return fmt.Errorf("read %s response: %w", name, err)
			}

			resp = &response{code: r.StatusCode, status: r.Status, body: body}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.opts.Retries+1),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn().Err(err).Str("request_id", requestID).Str("call", name).Uint("attempt", n+1).Msg("transport error, retrying")
		}),
	)
	if err != nil {
		c.log.Debug().Err(err).Str("request_id", requestID).Str("call", name).Dur("took", time.Since(start)).Msg("request failed")
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	c.log.Debug().
		Str("request_id", requestID).
		Str("call", name).
		Int("status", resp.code).
		Dur("took", time.Since(start)).
		Msg("backend call")

	if resp.code < 200 || resp.code > 299 {
		return nil, newRemoteError(resp.code, resp.status, resp.body)
	}
	return resp, nil
}

func isEmptyBody(body []byte) bool {
	body = bytes.TrimSpace(body)
	return len(body) == 0 || bytes.Equal(body, []byte("null"))
}
