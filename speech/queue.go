package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chatcompanion/telemetry"
)

// DefaultQueueSize bounds pending utterances.
const DefaultQueueSize = 8

// ErrQueueFull is returned by Enqueue when the queue has no room.
var ErrQueueFull = errors.New("speech queue full")

// Queue serialises playback: utterances are synthesised and played by a single
// worker in submission order.
type Queue struct {
	synth  Synthesizer
	player Player
	items  chan utterance

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64 // bumped by Flush; older utterances are stale
}

type utterance struct {
	text string
	gen  uint64
}

// NewQueue creates a queue holding up to size pending utterances.
func NewQueue(synth Synthesizer, player Player, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{synth: synth, player: player, items: make(chan utterance, size)}
}

// Enqueue adds text without blocking.
func (q *Queue) Enqueue(text string) error {
	q.mu.Lock()
	u := utterance{text: text, gen: q.gen}
	q.mu.Unlock()
	select {
	case q.items <- u:
		telemetry.SetSpeechQueueDepth(len(q.items))
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued utterances.
func (q *Queue) Pending() int { return len(q.items) }

// Flush discards pending utterances and cancels the one being synthesised or
// played. It returns how many pending items were dropped.
func (q *Queue) Flush() int {
	q.mu.Lock()
	q.gen++
	q.mu.Unlock()
	n := 0
drain:
	for {
		select {
		case <-q.items:
			n++
		default:
			break drain
		}
	}
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()
	telemetry.SetSpeechQueueDepth(len(q.items))
	if n > 0 {
		slog.Info("speech queue flushed", slog.Int("dropped", n), slog.String("component", "speech"))
	}
	return n
}

// Run plays queued utterances until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-q.items:
			telemetry.SetSpeechQueueDepth(len(q.items))
			q.speak(ctx, u)
		}
	}
}

func (q *Queue) speak(parent context.Context, u utterance) {
	ctx, cancel := context.WithCancel(parent)
	q.mu.Lock()
	if u.gen != q.gen {
		q.mu.Unlock()
		cancel()
		slog.Debug("dropping utterance queued before flush", slog.String("component", "speech"))
		return
	}
	q.cancel = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.cancel = nil
		q.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	audio, err := q.synth.Synthesize(ctx, u.text)
	if err != nil {
		if ctx.Err() == nil {
			telemetry.IncCollaboratorFailure("tts")
			slog.Warn("speech synthesis failed", slog.Any("err", err), slog.String("component", "speech"))
		}
		return
	}
	if err := q.player.Play(ctx, audio); err != nil {
		if ctx.Err() == nil {
			telemetry.IncCollaboratorFailure("player")
			slog.Warn("playback failed", slog.Any("err", err), slog.String("component", "speech"))
		}
		return
	}
	if telemetry.SpeechDuration != nil {
		telemetry.SpeechDuration.Observe(time.Since(start).Seconds())
	}
}
