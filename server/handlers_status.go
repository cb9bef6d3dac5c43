package server

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/onnwee/chatcompanion/engine"
)

type sessionStatus struct {
	Channel       string    `json:"channel"`
	ChatChannelID string    `json:"chat_channel_id"`
	SessionID     string    `json:"session_id"`
	ConnectedAt   time.Time `json:"connected_at"`
}

type schemaStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

// schemaVersioner is implemented by stores with versioned migrations.
type schemaVersioner interface {
	MigrationVersion() (version uint, dirty bool, err error)
}

type processStatus struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	Goroutines int     `json:"goroutines"`
}

type statusResponse struct {
	Bot         string           `json:"bot"`
	Gateway     string           `json:"gateway"`
	Session     *sessionStatus   `json:"session,omitempty"`
	Schema      *schemaStatus    `json:"schema,omitempty"`
	Engine      *engine.Snapshot `json:"engine,omitempty"`
	EventQueue  int              `json:"event_queue"`
	SpeechQueue int              `json:"speech_queue"`
	Process     processStatus    `json:"process"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// HandleStatus returns a JSON summary of the connection, conversational state,
// queue backlogs and process resource use.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{Gateway: "disabled", GeneratedAt: time.Now().UTC()}
	if h.deps.Gateway != nil {
		resp.Gateway = h.deps.Gateway.State().String()
		if s := h.deps.Gateway.Session(); s != nil {
			resp.Session = &sessionStatus{
				Channel:       s.Channel,
				ChatChannelID: s.ChatChannelID,
				SessionID:     s.SessionID,
				ConnectedAt:   s.ConnectedAt,
			}
		}
	}
	if sv, ok := h.deps.Store.(schemaVersioner); ok {
		if v, dirty, err := sv.MigrationVersion(); err == nil {
			resp.Schema = &schemaStatus{Version: v, Dirty: dirty}
		}
	}
	if h.deps.Engine != nil {
		resp.Bot = h.deps.Engine.BotName()
		snap := h.deps.Engine.Snapshot()
		resp.Engine = &snap
	}
	if h.deps.Events != nil {
		resp.EventQueue = h.deps.Events.Pending()
	}
	if h.deps.Speech != nil {
		resp.SpeechQueue = h.deps.Speech.Pending()
	}
	resp.Process = currentProcess()
	writeJSON(w, http.StatusOK, resp)
}

// currentProcess reports this process's memory and CPU use. Fields the
// platform cannot provide are left zero.
func currentProcess() processStatus {
	ps := processStatus{PID: int32(os.Getpid()), Goroutines: runtime.NumGoroutine()}
	p, err := process.NewProcess(ps.PID)
	if err != nil {
		return ps
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		ps.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		ps.CPUPercent = cpu
	}
	return ps
}
