package drupal_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/drupalctl/internal/core/connection"
	"github.com/hay-kot/drupalctl/internal/drupal"
	"github.com/hay-kot/drupalctl/internal/drupal/drupaltest"
)

func newClient(t *testing.T, baseURL string, store connection.Store, retries uint) *drupal.Client {
	t.Helper()

	client, err := drupal.New(drupal.Options{
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
		Retries: retries,
	}, store, zerolog.Nop())
	require.NoError(t, err)
	return client
}

func heldConnection() *connection.Connection {
	return &connection.Connection{
		SessionID:   "sess-held",
		SessionName: drupaltest.SessionName,
		Token:       "held-token",
		User:        connection.User{UID: "1", Timestamp: time.Now().UnixMilli()},
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
	}{
		{name: "empty", baseURL: ""},
		{name: "no scheme", baseURL: "example.com"},
		{name: "ftp scheme", baseURL: "ftp://example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := drupal.New(drupal.Options{BaseURL: tt.baseURL}, drupaltest.NewMemoryStore(nil), zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestClient_Post_RequestShape(t *testing.T) {
	srv := drupaltest.NewServer(t)
	client := newClient(t, srv.URL, drupaltest.NewMemoryStore(heldConnection()), 0)

	err := client.Post(context.Background(), drupal.Call{
		Entity:   "system",
		Resource: "set_variable",
		Body:     map[string]any{"name": "site_name", "value": "Acme"},
	}, nil)
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)

	req := reqs[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/system/set_variable", req.Path)
	assert.JSONEq(t, `{"name":"site_name","value":"Acme"}`, req.Body)
	assert.Equal(t, "held-token", req.CSRFToken)
	assert.Equal(t, "sess-held", req.Session)
	assert.Equal(t, drupal.DefaultUserAgent, req.UserAgent)
	assert.NotEmpty(t, req.RequestID)
}

func TestClient_Post_NilBodySendsEmptyObject(t *testing.T) {
	srv := drupaltest.NewServer(t)
	client := newClient(t, srv.URL, drupaltest.NewMemoryStore(nil), 0)

	var conn connection.Connection
	err := client.Post(context.Background(), drupal.Call{Entity: "system", Resource: "connect"}, &conn)
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{}`, reqs[0].Body)
	assert.Empty(t, reqs[0].CSRFToken, "no token without a held connection")
	assert.Empty(t, reqs[0].Session)

	assert.Equal(t, drupaltest.SessionName, conn.SessionName)
	assert.NotEmpty(t, conn.SessionID)
	assert.True(t, conn.User.IsAnonymous())
}

func TestClient_Post_TokenOverride(t *testing.T) {
	srv := drupaltest.NewServer(t)
	client := newClient(t, srv.URL, drupaltest.NewMemoryStore(heldConnection()), 0)

	err := client.Post(context.Background(), drupal.Call{Entity: "system", Resource: "connect", Token: "fresh"}, nil)
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "fresh", reqs[0].CSRFToken)
}

func TestClient_Post_NullResponseLeavesOutUntouched(t *testing.T) {
	srv := drupaltest.NewServer(t)
	client := newClient(t, srv.URL, drupaltest.NewMemoryStore(nil), 0)

	out := json.RawMessage(`"unchanged"`)
	err := client.Post(context.Background(), drupal.Call{
		Entity:   "system",
		Resource: "get_variable",
		Body:     map[string]string{"name": "missing"},
	}, &out)
	require.NoError(t, err)
	assert.JSONEq(t, `"unchanged"`, string(out))
}

func TestClient_Post_RemoteErrors(t *testing.T) {
	tests := []struct {
		name         string
		code         int
		body         string
		wantMessages []string
		unauthorized bool
		notFound     bool
	}{
		{
			name:         "json array",
			code:         http.StatusNotAcceptable,
			body:         `["Missing required argument name"]`,
			wantMessages: []string{"Missing required argument name"},
		},
		{
			name:         "csrf rejection",
			code:         http.StatusUnauthorized,
			body:         `["CSRF validation failed"]`,
			wantMessages: []string{"CSRF validation failed"},
			unauthorized: true,
		},
		{
			name:         "json string",
			code:         http.StatusForbidden,
			body:         `"Access denied for user anonymous"`,
			wantMessages: []string{"Access denied for user anonymous"},
			unauthorized: true,
		},
		{
			name:         "form errors",
			code:         http.StatusNotAcceptable,
			body:         `{"form_errors":{"name":"Name is required","mail":"Mail is invalid"}}`,
			wantMessages: []string{"mail: Mail is invalid", "name: Name is required"},
		},
		{
			name:         "plain text",
			code:         http.StatusInternalServerError,
			body:         "database gone",
			wantMessages: []string{"database gone"},
		},
		{
			name:     "html page",
			code:     http.StatusNotFound,
			body:     "<html><body>Not Found</body></html>",
			notFound: true,
		},
		{
			name: "empty body",
			code: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, tt.body)
			}))
			t.Cleanup(srv.Close)

			client := newClient(t, srv.URL, drupaltest.NewMemoryStore(nil), 0)
			err := client.Post(context.Background(), drupal.Call{Entity: "system", Resource: "get_variable"}, nil)

			var re *drupal.RemoteError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.code, re.StatusCode)
			assert.Equal(t, tt.wantMessages, re.Messages)
			assert.Equal(t, tt.unauthorized, drupal.IsUnauthorized(err))
			assert.Equal(t, tt.notFound, drupal.IsNotFound(err))
		})
	}
}

func TestClient_Post_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"sessid":`)
	}))
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, drupaltest.NewMemoryStore(nil), 0)

	var conn connection.Connection
	err := client.Post(context.Background(), drupal.Call{Entity: "system", Resource: "connect"}, &conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode system/connect response")
}

func TestClient_Post_StoreError(t *testing.T) {
	store := drupaltest.NewMemoryStore(nil)
	store.LoadErr = errors.New("disk on fire")

	client := newClient(t, "http://127.0.0.1:1", store, 0)
	err := client.Post(context.Background(), drupal.Call{Entity: "system", Resource: "connect"}, nil)
	assert.ErrorIs(t, err, store.LoadErr)
}

func TestClient_Post_RetriesTransportFailures(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		_, _ = io.WriteString(w, `null`)
	}))
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, drupaltest.NewMemoryStore(nil), 2)
	err := client.Post(context.Background(), drupal.Call{Entity: "system", Resource: "set_variable"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClient_Post_DoesNotRetryBackendErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, drupaltest.NewMemoryStore(nil), 3)
	err := client.Post(context.Background(), drupal.Call{Entity: "system", Resource: "set_variable"}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_Post_NoRetryByDefault(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, drupaltest.NewMemoryStore(nil), 0)
	err := client.Post(context.Background(), drupal.Call{Entity: "system", Resource: "set_variable"}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_Post_CanceledContext(t *testing.T) {
	srv := drupaltest.NewServer(t)
	client := newClient(t, srv.URL, drupaltest.NewMemoryStore(nil), 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Post(ctx, drupal.Call{Entity: "system", Resource: "connect"}, nil)
	require.Error(t, err)
	assert.Empty(t, srv.Requests())
}

func TestClient_Token(t *testing.T) {
	srv := drupaltest.NewServer(t)
	client := newClient(t, srv.URL, drupaltest.NewMemoryStore(heldConnection()), 0)

	token, err := client.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodGet, reqs[0].Method)
	assert.Equal(t, "/services/session/token", reqs[0].Path)
	assert.Equal(t, "sess-held", reqs[0].Session, "token is bound to the held session")
	assert.Empty(t, reqs[0].CSRFToken, "stale token is not sent")
}

func TestClient_Token_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "  \n")
	}))
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, drupaltest.NewMemoryStore(nil), 0)
	_, err := client.Token(context.Background())
	assert.Error(t, err)
}

func TestClient_CustomEndpointAndTokenPath(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = io.WriteString(w, "tok")
	}))
	t.Cleanup(srv.Close)

	client, err := drupal.New(drupal.Options{
		BaseURL:   srv.URL + "/drupal/",
		Endpoint:  "rest",
		TokenPath: "csrf/token",
	}, drupaltest.NewMemoryStore(nil), zerolog.Nop())
	require.NoError(t, err)

	_, err = client.Token(context.Background())
	require.NoError(t, err)
	require.NoError(t, client.Post(context.Background(), drupal.Call{Entity: "system", Resource: "connect"}, nil))

	assert.Equal(t, []string{"/drupal/csrf/token", "/drupal/rest/system/connect"}, paths)
}

func TestClient_SessionCookieComesFromHeldConnection(t *testing.T) {
	srv := drupaltest.NewServer(t)
	srv.IssueCookies = true
	store := drupaltest.NewMemoryStore(nil)
	client := newClient(t, srv.URL, store, 0)
	ctx := context.Background()

	var conn connection.Connection
	require.NoError(t, client.Post(ctx, drupal.Call{Entity: "system", Resource: "connect"}, &conn))
	require.NoError(t, store.Save(ctx, conn))

	require.NoError(t, client.Post(ctx, drupal.Call{
		Entity:   "system",
		Resource: "get_variable",
		Body:     map[string]string{"name": "site_name"},
	}, nil))

	// A different held session replaces the one the backend set.
	other := conn
	other.SessionID = "sess-other"
	require.NoError(t, store.Save(ctx, other))
	_, err := client.Token(ctx)
	require.NoError(t, err)

	// Nothing held: the cookie the backend set earlier is not replayed.
	require.NoError(t, store.Clear(ctx))
	_, err = client.Token(ctx)
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Len(t, reqs, 4)

	assert.Equal(t, 0, reqs[0].SessionCookies)

	assert.Equal(t, 1, reqs[1].SessionCookies)
	assert.Equal(t, conn.SessionID, reqs[1].Session)

	assert.Equal(t, 1, reqs[2].SessionCookies)
	assert.Equal(t, "sess-other", reqs[2].Session)

	assert.Equal(t, 0, reqs[3].SessionCookies)
}
