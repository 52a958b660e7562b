package drupaltest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// SessionName is the session cookie name issued by Server.
const SessionName = "SESSfake"

// Request is a request received by Server.
type Request struct {
	Method    string
	Path      string
	Body      string
	CSRFToken string
	Session   string
	// SessionCookies counts the cookies named SessionName.
	SessionCookies int
	RequestID      string
	UserAgent      string
}

type account struct {
	uid      int
	password string
}

// Server is an httptest backend implementing the system and user resources
// under /api and the token endpoint at /services/session/token.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	variables map[string]json.RawMessage
	accounts  map[string]account
	sessions  map[string]string // sessid -> username, "" for anonymous
	tokens    map[string]bool
	requests  []Request
	nextID    int

	// RequireToken rejects POSTs other than connect and login that do not
	// carry a token issued by this server.
	RequireToken bool
	// IssueCookies sets the session cookie on connect and login responses.
	IssueCookies bool
}

// NewServer starts a Server that is closed when the test ends.
func NewServer(t *testing.T) *Server {
	t.Helper()

	s := &Server{
		variables: make(map[string]json.RawMessage),
		accounts:  make(map[string]account),
		sessions:  make(map[string]string),
		tokens:    make(map[string]bool),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// AddUser registers an account that can log in.
func (s *Server) AddUser(name, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[name] = account{uid: len(s.accounts) + 1, password: password}
}

// SetVariable seeds a variable.
func (s *Server) SetVariable(name string, value any) {
	data, _ := json.Marshal(value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables[name] = data
}

// Variable returns a stored variable.
func (s *Server) Variable(name string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variables[name]
	return v, ok
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Paths returns "METHOD /path" for every request received.
func (s *Server) Paths() []string {
	reqs := s.Requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Method + " " + r.Path
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	session := ""
	sessionCookies := 0
	for _, c := range r.Cookies() {
		if c.Name == SessionName {
			session = c.Value
			sessionCookies++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Method:         r.Method,
		Path:           r.URL.Path,
		Body:           string(body),
		CSRFToken:      r.Header.Get("X-CSRF-Token"),
		Session:        session,
		SessionCookies: sessionCookies,
		RequestID:      r.Header.Get("X-Request-ID"),
		UserAgent:      r.Header.Get("User-Agent"),
	})

	if _, ok := s.sessions[session]; !ok {
		session = ""
	}

	if r.Method == http.MethodGet && r.URL.Path == "/services/session/token" {
		s.nextID++
		token := fmt.Sprintf("token-%d", s.nextID)
		s.tokens[token] = true
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, token)
		return
	}

	if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/api/") {
		writeJSON(w, http.StatusNotFound, []string{"Could not find the controller."})
		return
	}

	resource := strings.TrimPrefix(r.URL.Path, "/api/")

	if s.RequireToken && resource != "system/connect" && resource != "user/login" {
		if !s.tokens[r.Header.Get("X-CSRF-Token")] {
			writeJSON(w, http.StatusUnauthorized, []string{"CSRF validation failed"})
			return
		}
	}

	var args map[string]json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			writeJSON(w, http.StatusBadRequest, []string{"Invalid JSON"})
			return
		}
	}

	switch resource {
	case "system/connect":
		if session == "" {
			session = s.newSession("")
			s.issueCookie(w, session)
		}
		writeJSON(w, http.StatusOK, s.connection(session))
	case "system/get_variable":
		name, ok := stringArg(args, "name")
		if !ok {
			writeJSON(w, http.StatusNotAcceptable, []string{"Missing required argument name"})
			return
		}
		value, found := s.variables[name]
		if !found {
			value = json.RawMessage("null")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(value)
	case "system/set_variable":
		name, ok := stringArg(args, "name")
		if !ok {
			writeJSON(w, http.StatusNotAcceptable, []string{"Missing required argument name"})
			return
		}
		value, ok := args["value"]
		if !ok {
			value = json.RawMessage("null")
		}
		s.variables[name] = value
		writeJSON(w, http.StatusOK, nil)
	case "system/del_variable":
		name, ok := stringArg(args, "name")
		if !ok {
			writeJSON(w, http.StatusNotAcceptable, []string{"Missing required argument name"})
			return
		}
		delete(s.variables, name)
		writeJSON(w, http.StatusOK, nil)
	case "user/login":
		name, _ := stringArg(args, "username")
		password, _ := stringArg(args, "password")
		acct, ok := s.accounts[name]
		if !ok || acct.password != password {
			writeJSON(w, http.StatusUnauthorized, []string{"Wrong username or password."})
			return
		}
		session = s.newSession(name)
		s.issueCookie(w, session)
		writeJSON(w, http.StatusOK, s.connection(session))
	case "user/logout":
		if session == "" || s.sessions[session] == "" {
			writeJSON(w, http.StatusNotAcceptable, []string{"User is not logged in."})
			return
		}
		delete(s.sessions, session)
		writeJSON(w, http.StatusOK, []bool{true})
	case "user/token":
		s.nextID++
		token := fmt.Sprintf("token-%d", s.nextID)
		s.tokens[token] = true
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	default:
		writeJSON(w, http.StatusNotFound, []string{"Could not find resource " + resource + "."})
	}
}

func (s *Server) newSession(username string) string {
	s.nextID++
	id := fmt.Sprintf("sess-%d", s.nextID)
	s.sessions[id] = username
	return id
}

func (s *Server) issueCookie(w http.ResponseWriter, session string) {
	if s.IssueCookies {
		http.SetCookie(w, &http.Cookie{Name: SessionName, Value: session, Path: "/", HttpOnly: true})
	}
}

func (s *Server) connection(session string) map[string]any {
	user := map[string]any{
		"uid":      0,
		"hostname": "127.0.0.1",
		"roles":    map[string]string{"1": "anonymous user"},
	}
	if name := s.sessions[session]; name != "" {
		user = map[string]any{
			"uid":   fmt.Sprint(s.accounts[name].uid),
			"name":  name,
			"roles": map[string]string{"2": "authenticated user"},
		}
	}
	return map[string]any{
		"sessid":       session,
		"session_name": SessionName,
		"user":         user,
	}
}

func stringArg(args map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := args[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
