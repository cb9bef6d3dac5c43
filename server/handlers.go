package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/onnwee/chatcompanion/chat"
	"github.com/onnwee/chatcompanion/engine"
	"github.com/onnwee/chatcompanion/gateway"
)

// KVStore persists small settings such as the pause flag.
type KVStore interface {
	Ping(ctx context.Context) error
	SetKV(ctx context.Context, key, value string) error
	GetKV(ctx context.Context, key string) (string, bool, error)
}

// Gateway reports the chat connection.
type Gateway interface {
	State() gateway.State
	Session() *gateway.Session
}

// Engine exposes the conversational state.
type Engine interface {
	State() *engine.State
	Snapshot() engine.Snapshot
	BotName() string
}

// Queue reports a queue's backlog.
type Queue interface {
	Pending() int
}

// Deps are the components the handlers report on and control. Store is nil
// when chat is logged to flat files.
type Deps struct {
	Store   KVStore
	Gateway Gateway
	Engine  Engine

	// Inject receives events posted to /admin/say; normally the engine worker.
	Inject chat.Sink
	Events Queue
	Speech Queue
}

// PausedKey is the kv key holding the persisted pause flag.
const PausedKey = "ignore_chat"

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
	ctx  context.Context
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{deps: deps, ctx: ctx}
}

// RestorePause applies a pause flag persisted by a previous run.
func RestorePause(ctx context.Context, store KVStore, e Engine) error {
	if store == nil {
		return nil
	}
	v, ok, err := store.GetKV(ctx, PausedKey)
	if err != nil || !ok {
		return err
	}
	e.State().SetPaused(v == "1")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
