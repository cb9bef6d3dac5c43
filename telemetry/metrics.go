// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	Reconnects           prometheus.Counter
	FramesReceived       *prometheus.CounterVec // label: cmd
	EventsRouted         *prometheus.CounterVec // label: platform
	EventsDropped        *prometheus.CounterVec // label: reason
	ResponsesSpoken      prometheus.Counter
	SelfTalks            prometheus.Counter
	CollaboratorFailures *prometheus.CounterVec // label: collaborator

	// Histograms (seconds)
	HandshakeDuration  prometheus.Observer
	CompletionDuration prometheus.Observer
	SpeechDuration     prometheus.Observer

	// Gauges
	GatewayStateGauge    prometheus.Gauge
	EventQueueDepthGauge prometheus.Gauge
	SpeechQueueDepthGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_gateway_reconnects_total", Help: "Number of gateway reconnect attempts"})
		FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatbot_gateway_frames_total", Help: "Frames received from the chat gateway by command"}, []string{"cmd"})
		EventsRouted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatbot_events_routed_total", Help: "Chat events accepted into the event queue"}, []string{"platform"})
		EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatbot_events_dropped_total", Help: "Chat events dropped before a reply, by reason"}, []string{"reason"})
		ResponsesSpoken = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_responses_spoken_total", Help: "Replies handed to speech playback"})
		SelfTalks = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_self_talk_total", Help: "Idle self-talk utterances"})
		CollaboratorFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatbot_collaborator_failures_total", Help: "Failed calls to external collaborators"}, []string{"collaborator"})
		HandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatbot_gateway_handshake_duration_seconds", Help: "Handshake duration seconds", Buckets: prometheus.DefBuckets})
		CompletionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatbot_completion_duration_seconds", Help: "Completion call duration seconds", Buckets: prometheus.DefBuckets})
		SpeechDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatbot_speech_duration_seconds", Help: "Synthesis plus playback duration seconds", Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40}})
		GatewayStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbot_gateway_state", Help: "Gateway state (0=disconnected 1=connecting 2=handshaking 3=active 4=reconnecting)"})
		EventQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbot_event_queue_depth", Help: "Events waiting for the response engine"})
		SpeechQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbot_speech_queue_depth", Help: "Utterances waiting for playback"})
	})
}

// SetGatewayState records the numeric gateway state.
func SetGatewayState(state int) { if GatewayStateGauge != nil { GatewayStateGauge.Set(float64(state)) } }

// SetEventQueueDepth records the number of queued events.
func SetEventQueueDepth(n int) { if EventQueueDepthGauge != nil { EventQueueDepthGauge.Set(float64(n)) } }

// SetSpeechQueueDepth records the number of queued utterances.
func SetSpeechQueueDepth(n int) { if SpeechQueueDepthGauge != nil { SpeechQueueDepthGauge.Set(float64(n)) } }

// IncReconnect counts one reconnect attempt.
func IncReconnect() { if Reconnects != nil { Reconnects.Inc() } }

// IncFrame counts a received frame by command name.
func IncFrame(cmd string) { if FramesReceived != nil { FramesReceived.WithLabelValues(cmd).Inc() } }

// IncRouted counts an event accepted for processing.
func IncRouted(platform string) { if EventsRouted != nil { EventsRouted.WithLabelValues(platform).Inc() } }

// IncDropped counts an event or response dropped for reason.
func IncDropped(reason string) { if EventsDropped != nil { EventsDropped.WithLabelValues(reason).Inc() } }

// IncSpoken counts a reply handed to speech.
func IncSpoken() { if ResponsesSpoken != nil { ResponsesSpoken.Inc() } }

// IncSelfTalk counts an idle utterance.
func IncSelfTalk() { if SelfTalks != nil { SelfTalks.Inc() } }

// IncCollaboratorFailure counts a failed call to an external collaborator.
func IncCollaboratorFailure(name string) { if CollaboratorFailures != nil { CollaboratorFailures.WithLabelValues(name).Inc() } }

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil { obs.Observe(d.Seconds()) }
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}
var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context { return context.WithValue(ctx, corrKey, id) }

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok { return s }
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" { return slog.Default().With(slog.String("corr", id)) }
	return slog.Default()
}
