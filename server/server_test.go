package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatcompanion/chat"
	"github.com/onnwee/chatcompanion/engine"
	"github.com/onnwee/chatcompanion/gateway"
)

type memKV struct {
	mu      sync.Mutex
	values  map[string]string
	pingErr error
}

func newMemKV() *memKV { return &memKV{values: map[string]string{}} }

func (m *memKV) Ping(context.Context) error { return m.pingErr }

func (m *memKV) SetKV(_ context.Context, k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[k] = v
	return nil
}

func (m *memKV) GetKV(_ context.Context, k string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[k]
	return v, ok, nil
}

type fakeGateway struct {
	state   gateway.State
	session *gateway.Session
}

func (g fakeGateway) State() gateway.State { return g.state }
func (g fakeGateway) Session() *gateway.Session { return g.session }

type sliceSink struct {
	mu     sync.Mutex
	events []chat.Event
	full   bool
}

func (s *sliceSink) Submit(ev chat.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *sliceSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func clearAuthEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("RATE_LIMIT_ENABLED", "")
}

func newTestMux(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, deps)
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	clearAuthEnv(t)
	rr := serve(newTestMux(t, Deps{}), http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id header")
	}

	kv := newMemKV()
	kv.pingErr = errors.New("db down")
	rr = serve(newTestMux(t, Deps{Store: kv}), http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz with failing db = %d", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	clearAuthEnv(t)
	tests := []struct {
		name       string
		deps       Deps
		wantStatus int
		wantCheck  string
	}{
		{"no gateway", Deps{}, http.StatusServiceUnavailable, "gateway"},
		{"handshaking", Deps{Gateway: fakeGateway{state: gateway.StateHandshaking}}, http.StatusServiceUnavailable, "gateway"},
		{"db down", Deps{Store: &memKV{pingErr: errors.New("x")}, Gateway: fakeGateway{state: gateway.StateActive}}, http.StatusServiceUnavailable, "database"},
		{"active", Deps{Gateway: fakeGateway{state: gateway.StateActive}}, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(newTestMux(t, tt.deps), http.MethodGet, "/readyz", "")
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["failed_check"] != tt.wantCheck {
				t.Errorf("failed_check = %q, want %q", body["failed_check"], tt.wantCheck)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	clearAuthEnv(t)
	eng := engine.New(engine.Config{}, engine.Deps{})
	connected := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sink := &sliceSink{events: []chat.Event{{}, {}}}
	deps := Deps{
		Gateway: fakeGateway{state: gateway.StateActive, session: &gateway.Session{Channel: "ch", ChatChannelID: "N1", SessionID: "sid", ConnectedAt: connected}},
		Engine:  eng,
		Events:  sink,
	}
	rr := serve(newTestMux(t, deps), http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Gateway != "active" || got.Session == nil || got.Session.SessionID != "sid" || !got.Session.ConnectedAt.Equal(connected) {
		t.Errorf("gateway fields = %q %+v", got.Gateway, got.Session)
	}
	if got.Bot != eng.BotName() || got.Engine == nil {
		t.Errorf("engine fields = %q %+v", got.Bot, got.Engine)
	}
	if got.EventQueue != 2 || got.SpeechQueue != 0 {
		t.Errorf("queues = %d/%d", got.EventQueue, got.SpeechQueue)
	}
	if got.Process.PID == 0 || got.Process.Goroutines == 0 {
		t.Errorf("process = %+v", got.Process)
	}

	rr = serve(newTestMux(t, deps), http.MethodPost, "/status", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d", rr.Code)
	}
}

type versionedKV struct {
	*memKV
	version uint
}

func (v versionedKV) MigrationVersion() (uint, bool, error) { return v.version, false, nil }

func TestStatusSchemaVersion(t *testing.T) {
	clearAuthEnv(t)
	for _, tt := range []struct {
		name  string
		store KVStore
		want  *schemaStatus
	}{
		{"versioned", versionedKV{memKV: newMemKV(), version: 3}, &schemaStatus{Version: 3}},
		{"plain", newMemKV(), nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(newTestMux(t, Deps{Store: tt.store}), http.MethodGet, "/status", "")
			var got statusResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if (got.Schema == nil) != (tt.want == nil) || (got.Schema != nil && *got.Schema != *tt.want) {
				t.Errorf("schema = %+v, want %+v", got.Schema, tt.want)
			}
		})
	}
}

func TestPauseResume(t *testing.T) {
	clearAuthEnv(t)
	eng := engine.New(engine.Config{}, engine.Deps{})
	kv := newMemKV()
	h := newTestMux(t, Deps{Store: kv, Engine: eng})

	if rr := serve(h, http.MethodGet, "/admin/pause", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET pause = %d", rr.Code)
	}
	if rr := serve(h, http.MethodPost, "/admin/pause", ""); rr.Code != http.StatusOK {
		t.Fatalf("pause = %d", rr.Code)
	}
	if !eng.State().Paused() || kv.values[PausedKey] != "1" {
		t.Fatalf("paused = %v, kv = %q", eng.State().Paused(), kv.values[PausedKey])
	}

	// a fresh engine picks up the persisted flag
	other := engine.New(engine.Config{}, engine.Deps{})
	if err := RestorePause(context.Background(), kv, other); err != nil {
		t.Fatalf("RestorePause() error: %v", err)
	}
	if !other.State().Paused() {
		t.Error("restored engine not paused")
	}

	if rr := serve(h, http.MethodPost, "/admin/resume", ""); rr.Code != http.StatusOK {
		t.Fatalf("resume = %d", rr.Code)
	}
	if eng.State().Paused() || kv.values[PausedKey] != "0" {
		t.Fatalf("paused = %v, kv = %q", eng.State().Paused(), kv.values[PausedKey])
	}
}

func TestAdminSay(t *testing.T) {
	clearAuthEnv(t)
	sink := &sliceSink{}
	h := newTestMux(t, Deps{Inject: sink})

	rr := serve(h, http.MethodPost, "/admin/say", `{"author":"tester","message":" 안녕하세요 ","donation":true}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("say = %d %s", rr.Code, rr.Body.String())
	}
	if len(sink.events) != 1 {
		t.Fatalf("got %d events", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Author != "tester" || ev.Message != "안녕하세요" || ev.Kind != chat.KindDonation || ev.SentAt.IsZero() {
		t.Errorf("event = %+v", ev)
	}

	if rr := serve(h, http.MethodPost, "/admin/say", `{"message":""}`); rr.Code != http.StatusBadRequest {
		t.Errorf("empty message = %d", rr.Code)
	}
	if rr := serve(h, http.MethodPost, "/admin/say", `not json`); rr.Code != http.StatusBadRequest {
		t.Errorf("bad json = %d", rr.Code)
	}
	sink.full = true
	if rr := serve(h, http.MethodPost, "/admin/say", `{"message":"hi"}`); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("full queue = %d", rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	clearAuthEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, Deps{}, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
