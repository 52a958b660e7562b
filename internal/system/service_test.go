package system

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/drupalctl/internal/core/connection"
	"github.com/hay-kot/drupalctl/internal/drupal"
	"github.com/hay-kot/drupalctl/internal/drupal/drupaltest"
)

const connectResponse = `{"sessid":"sess-new","session_name":"SESSfake","user":{"uid":0,"hostname":"127.0.0.1"}}`

func newTestService(transport *drupaltest.RecordingTransport, store *drupaltest.MemoryStore) *Service {
	return New(transport, transport, store, connection.NewPersister(store, nil), zerolog.Nop())
}

func freshConnection(token string) *connection.Connection {
	return &connection.Connection{
		SessionID:   "sess-held",
		SessionName: "SESSfake",
		Token:       token,
		User:        connection.User{UID: "0", Timestamp: time.Now().UnixMilli()},
	}
}

func TestService_Connect_Branches(t *testing.T) {
	tests := []struct {
		name      string
		held      *connection.Connection
		refresh   bool
		wantSteps []string
		wantToken string
	}{
		{
			name:      "no held session fetches token",
			held:      nil,
			wantSteps: []string{drupaltest.TokenStep, "system/connect"},
			wantToken: "new-token",
		},
		{
			name:      "held session without token connects directly",
			held:      freshConnection(""),
			wantSteps: []string{"system/connect"},
			wantToken: "",
		},
		{
			name:      "held session with token fetches a new one",
			held:      freshConnection("old-token"),
			wantSteps: []string{drupaltest.TokenStep, "system/connect"},
			wantToken: "new-token",
		},
		{
			name:      "refresh forces token fetch",
			held:      freshConnection(""),
			refresh:   true,
			wantSteps: []string{drupaltest.TokenStep, "system/connect"},
			wantToken: "new-token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &drupaltest.RecordingTransport{
				Outputs:    map[string]string{"system/connect": connectResponse},
				TokenValue: "new-token",
			}
			store := drupaltest.NewMemoryStore(tt.held)
			svc := newTestService(transport, store)

			conn, err := svc.Connect(context.Background(), tt.refresh)
			require.NoError(t, err)

			assert.Equal(t, tt.wantSteps, transport.Steps)
			assert.Equal(t, tt.wantToken, conn.Token)
			assert.Equal(t, "sess-new", conn.SessionID)
			assert.NotZero(t, conn.User.Timestamp)

			call, ok := transport.LastCall()
			require.True(t, ok)
			assert.Equal(t, tt.wantToken, call.Token, "connect carries the fetched token")

			held := store.Held()
			require.NotNil(t, held)
			assert.Equal(t, *conn, *held)
		})
	}
}

func TestService_Connect_OverlappingCallsAreSerialized(t *testing.T) {
	transport := &drupaltest.RecordingTransport{
		Outputs:    map[string]string{"system/connect": connectResponse},
		TokenValue: "new-token",
		Block:      make(chan struct{}),
	}
	store := drupaltest.NewMemoryStore(nil)
	svc := newTestService(transport, store)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Connect(context.Background(), false)
		}(i)
	}

	// Wait for the first call to reach the token fetch, then give the second
	// call time to pile up behind it.
	require.Eventually(t, func() bool {
		return len(transport.StepsSnapshot()) == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{drupaltest.TokenStep}, transport.StepsSnapshot(), "second call waits for the first")

	transport.Block <- struct{}{}
	transport.Block <- struct{}{}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// The first connect stores a token, so the second takes the token path too.
	want := []string{drupaltest.TokenStep, "system/connect", drupaltest.TokenStep, "system/connect"}
	assert.Equal(t, want, transport.StepsSnapshot())
	assert.Equal(t, 2, store.Saves)
}

func TestService_Connect_ExpiredSessionIsCleared(t *testing.T) {
	expired := freshConnection("")
	expired.User.Timestamp = time.Now().Add(-2 * time.Hour).UnixMilli()

	transport := &drupaltest.RecordingTransport{
		Outputs:    map[string]string{"system/connect": connectResponse},
		TokenValue: "new-token",
	}
	store := drupaltest.NewMemoryStore(expired)
	store.Lifetime = time.Hour
	svc := newTestService(transport, store)

	conn, err := svc.Connect(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, store.Clears)
	// With the slot cleared the gate takes the no-session branch.
	assert.Equal(t, []string{drupaltest.TokenStep, "system/connect"}, transport.Steps)
	assert.Equal(t, "new-token", conn.Token)
}

func TestService_Connect_ClearsEvenWhenConnectFails(t *testing.T) {
	expired := freshConnection("tok")
	expired.User.Timestamp = 0

	boom := errors.New("backend down")
	transport := &drupaltest.RecordingTransport{
		Errors:     map[string]error{"system/connect": boom},
		TokenValue: "new-token",
	}
	store := drupaltest.NewMemoryStore(expired)
	svc := newTestService(transport, store)

	_, err := svc.Connect(context.Background(), false)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 1, store.Clears)
	assert.Nil(t, store.Held())
}

func TestService_Connect_TokenFailureShortCircuits(t *testing.T) {
	boom := errors.New("token endpoint down")
	transport := &drupaltest.RecordingTransport{
		Outputs: map[string]string{"system/connect": connectResponse},
		Errors:  map[string]error{drupaltest.TokenStep: boom},
	}
	store := drupaltest.NewMemoryStore(nil)
	svc := newTestService(transport, store)

	conn, err := svc.Connect(context.Background(), false)
	require.ErrorIs(t, err, boom)
	assert.Nil(t, conn)

	assert.Equal(t, []string{drupaltest.TokenStep}, transport.Steps, "connect is never issued")
	assert.Zero(t, store.Saves)
}

func TestService_Connect_ConnectFailureIsNotPersisted(t *testing.T) {
	boom := &drupal.RemoteError{StatusCode: 500, Status: "500 Internal Server Error"}
	transport := &drupaltest.RecordingTransport{
		Errors: map[string]error{"system/connect": boom},
	}
	held := freshConnection("")
	store := drupaltest.NewMemoryStore(held)
	svc := newTestService(transport, store)

	_, err := svc.Connect(context.Background(), false)

	var re *drupal.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 500, re.StatusCode)
	assert.Zero(t, store.Saves)
	assert.Equal(t, held.SessionID, store.Held().SessionID, "held session untouched")
}

func TestService_Connect_StoreErrors(t *testing.T) {
	t.Run("load", func(t *testing.T) {
		store := drupaltest.NewMemoryStore(nil)
		store.LoadErr = errors.New("unreadable")
		transport := &drupaltest.RecordingTransport{}

		_, err := newTestService(transport, store).Connect(context.Background(), false)
		require.ErrorIs(t, err, store.LoadErr)
		assert.Empty(t, transport.Steps)
	})

	t.Run("save", func(t *testing.T) {
		store := drupaltest.NewMemoryStore(nil)
		store.SaveErr = errors.New("read-only")
		transport := &drupaltest.RecordingTransport{
			Outputs:    map[string]string{"system/connect": connectResponse},
			TokenValue: "t",
		}

		_, err := newTestService(transport, store).Connect(context.Background(), false)
		require.ErrorIs(t, err, store.SaveErr)
	})

	t.Run("clear", func(t *testing.T) {
		expired := freshConnection("")
		expired.User.Timestamp = 0
		store := drupaltest.NewMemoryStore(expired)
		store.ClearErr = errors.New("locked")
		transport := &drupaltest.RecordingTransport{}

		_, err := newTestService(transport, store).Connect(context.Background(), false)
		require.ErrorIs(t, err, store.ClearErr)
		assert.Empty(t, transport.Steps)
	})
}

func TestService_Connect_KeepsBackendTimestamp(t *testing.T) {
	transport := &drupaltest.RecordingTransport{
		Outputs:    map[string]string{"system/connect": `{"sessid":"s","user":{"uid":"1","timestamp":1700000000000}}`},
		TokenValue: "t",
	}
	store := drupaltest.NewMemoryStore(nil)

	conn, err := newTestService(transport, store).Connect(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), conn.User.Timestamp)
}

func TestService_ConnectBodyIsEmptyObject(t *testing.T) {
	transport := &drupaltest.RecordingTransport{
		Outputs:    map[string]string{"system/connect": connectResponse},
		TokenValue: "t",
	}
	_, err := newTestService(transport, drupaltest.NewMemoryStore(nil)).Connect(context.Background(), false)
	require.NoError(t, err)

	call, _ := transport.LastCall()
	body, err := json.Marshal(call.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(body))
}

func TestService_VariableCalls(t *testing.T) {
	ctx := context.Background()
	transport := &drupaltest.RecordingTransport{
		Outputs: map[string]string{
			"system/get_variable": `{"front":"node","count":3}`,
			"system/set_variable": `null`,
			"system/del_variable": `null`,
		},
	}
	svc := newTestService(transport, drupaltest.NewMemoryStore(nil))

	value, err := svc.GetVariable(ctx, "site_frontpage")
	require.NoError(t, err)
	assert.JSONEq(t, `{"front":"node","count":3}`, string(value))

	require.NoError(t, svc.SetVariable(ctx, "site_name", "Acme"))
	require.NoError(t, svc.DelVariable(ctx, "site_name"))

	require.Len(t, transport.Calls, 3)
	wantBodies := []string{
		`{"name":"site_frontpage"}`,
		`{"name":"site_name","value":"Acme"}`,
		`{"name":"site_name"}`,
	}
	for i, call := range transport.Calls {
		assert.Equal(t, "system", call.Entity)
		assert.Empty(t, call.Token)

		body, err := json.Marshal(call.Body)
		require.NoError(t, err)
		assert.JSONEq(t, wantBodies[i], string(body))
	}
	assert.Equal(t, []string{"system/get_variable", "system/set_variable", "system/del_variable"}, transport.Steps)
}

func TestService_VariableErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	boom := &drupal.RemoteError{StatusCode: 406, Status: "406 Not Acceptable", Messages: []string{"Missing required argument name"}}
	transport := &drupaltest.RecordingTransport{
		Errors: map[string]error{
			"system/get_variable": boom,
			"system/set_variable": boom,
			"system/del_variable": boom,
		},
	}
	svc := newTestService(transport, drupaltest.NewMemoryStore(nil))

	_, err := svc.GetVariable(ctx, "")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, svc.SetVariable(ctx, "", nil), boom)
	assert.ErrorIs(t, svc.DelVariable(ctx, ""), boom)
}

// newBackendService wires a Service to a fake backend over HTTP.
func newBackendService(t *testing.T, srv *drupaltest.Server, store *drupaltest.MemoryStore) *Service {
	t.Helper()

	client, err := drupal.New(drupal.Options{BaseURL: srv.URL, Timeout: 5 * time.Second}, store, zerolog.Nop())
	require.NoError(t, err)
	return New(client, client, store, connection.NewPersister(store, nil), zerolog.Nop())
}

func TestService_Backend_ConnectScenario(t *testing.T) {
	srv := drupaltest.NewServer(t)
	store := drupaltest.NewMemoryStore(nil)
	svc := newBackendService(t, srv, store)

	conn, err := svc.Connect(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"GET /services/session/token", "POST /api/system/connect"}, srv.Paths())

	reqs := srv.Requests()
	assert.JSONEq(t, `{}`, reqs[1].Body)
	assert.Equal(t, "token-1", reqs[1].CSRFToken)

	assert.Equal(t, "token-1", conn.Token)
	assert.NotZero(t, conn.User.Timestamp)

	held := store.Held()
	require.NotNil(t, held)
	assert.Equal(t, "token-1", held.Token)
	assert.Equal(t, conn.SessionID, held.SessionID)
}

func TestService_Backend_VariableRoundTrip(t *testing.T) {
	srv := drupaltest.NewServer(t)
	srv.RequireToken = true
	store := drupaltest.NewMemoryStore(nil)
	svc := newBackendService(t, srv, store)
	ctx := context.Background()

	_, err := svc.Connect(ctx, false)
	require.NoError(t, err)

	require.NoError(t, svc.SetVariable(ctx, "site_name", "Acme"))

	value, err := svc.GetVariable(ctx, "site_name")
	require.NoError(t, err)
	assert.JSONEq(t, `"Acme"`, string(value))

	settings := map[string]any{"enabled": true, "modules": []string{"node", "user"}}
	require.NoError(t, svc.SetVariable(ctx, "site_settings", settings))

	value, err = svc.GetVariable(ctx, "site_settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"enabled":true,"modules":["node","user"]}`, string(value))
}

func TestService_Backend_DeleteMissingVariable(t *testing.T) {
	srv := drupaltest.NewServer(t)
	svc := newBackendService(t, srv, drupaltest.NewMemoryStore(nil))
	ctx := context.Background()

	require.NoError(t, svc.DelVariable(ctx, "never_set"))

	value, err := svc.GetVariable(ctx, "never_set")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestService_Backend_DeleteThenGet(t *testing.T) {
	srv := drupaltest.NewServer(t)
	srv.SetVariable("cron_last", 1705314600)
	svc := newBackendService(t, srv, drupaltest.NewMemoryStore(nil))
	ctx := context.Background()

	require.NoError(t, svc.DelVariable(ctx, "cron_last"))

	_, found := srv.Variable("cron_last")
	assert.False(t, found)
}

func TestService_Backend_CSRFRejection(t *testing.T) {
	srv := drupaltest.NewServer(t)
	srv.RequireToken = true
	svc := newBackendService(t, srv, drupaltest.NewMemoryStore(nil))

	err := svc.SetVariable(context.Background(), "site_name", "Acme")
	require.Error(t, err)
	assert.True(t, drupal.IsUnauthorized(err))
}
