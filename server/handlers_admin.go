package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chatcompanion/chat"
	"github.com/onnwee/chatcompanion/telemetry"
)

// HandleAdminPause stops the engine from answering chat.
func (h *Handlers) HandleAdminPause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

// HandleAdminResume re-enables chat handling.
func (h *Handlers) HandleAdminResume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *Handlers) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Engine == nil {
		http.Error(w, "engine not configured", http.StatusServiceUnavailable)
		return
	}
	h.deps.Engine.State().SetPaused(paused)
	logger := telemetry.LoggerWithCorr(r.Context())
	if h.deps.Store != nil {
		v := "0"
		if paused {
			v = "1"
		}
		if err := h.deps.Store.SetKV(r.Context(), PausedKey, v); err != nil {
			// the in-memory flag is already applied
			logger.Warn("persist pause flag", slog.Any("err", err), slog.String("component", "http"))
		}
	}
	logger.Info("chat handling toggled", slog.Bool("paused", paused), slog.String("component", "http"))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "paused": paused})
}

type sayRequest struct {
	Author   string `json:"author"`
	Message  string `json:"message"`
	Donation bool   `json:"donation"`
}

// HandleAdminSay injects a chat event as if it arrived from the gateway.
func (h *Handlers) HandleAdminSay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Inject == nil {
		http.Error(w, "engine not configured", http.StatusServiceUnavailable)
		return
	}
	var req sayRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}
	if req.Author == "" {
		req.Author = "admin"
	}
	ev := chat.Event{Author: req.Author, Message: req.Message, Kind: chat.KindChat, SentAt: time.Now(), Platform: "admin"}
	if req.Donation {
		ev.Kind = chat.KindDonation
	}
	if !h.deps.Inject.Submit(ev) {
		http.Error(w, "event queue full", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
