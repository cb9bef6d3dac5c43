package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockChzzkServer creates a test server that mocks the CHZZK REST endpoints.
// It serves both the api and the game api hosts, so tests point both base
// URLs at Server.URL.
type MockChzzkServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu    sync.Mutex
	calls map[string]int
}

// NewMockChzzkServer creates a new mock CHZZK API server
func NewMockChzzkServer(t *testing.T) *MockChzzkServer {
	t.Helper()
	m := &MockChzzkServer{
		Handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.calls[key]++
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Calls returns how many times path was requested.
func (m *MockChzzkServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

func (m *MockChzzkServer) set(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

func writeContent(w http.ResponseWriter, content any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
		"code":    200,
		"message": nil,
		"content": content,
	})
}

// MockLiveStatus serves the live-status lookup for channel. The id function
// is consulted on every request so tests can rotate the chat channel id.
func (m *MockChzzkServer) MockLiveStatus(channel string, id func() string) {
	m.set("/polling/v2/channels/"+channel+"/live-status", func(w http.ResponseWriter, r *http.Request) {
		writeContent(w, map[string]any{"chatChannelId": id(), "status": "OPEN"})
	})
}

// MockChannelName serves the channel metadata lookup.
func (m *MockChzzkServer) MockChannelName(channel, name string) {
	m.set("/service/v1/channels/"+channel, func(w http.ResponseWriter, r *http.Request) {
		writeContent(w, map[string]any{"channelId": channel, "channelName": name})
	})
}

// MockAccessToken serves the chat access token endpoint.
func (m *MockChzzkServer) MockAccessToken(access, extra string) {
	m.set("/nng_main/v1/chats/access-token", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("NID_AUT"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeContent(w, map[string]any{"accessToken": access, "extraToken": extra})
	})
}

// MockUserStatus serves the user identity endpoint.
func (m *MockChzzkServer) MockUserStatus(userIDHash string) {
	m.set("/nng_main/v1/user/getUserStatus", func(w http.ResponseWriter, r *http.Request) {
		writeContent(w, map[string]any{"userIdHash": userIDHash, "loggedIn": true})
	})
}

// MockUnauthorized makes path answer 401.
func (m *MockChzzkServer) MockUnauthorized(path string) {
	m.set(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
}
