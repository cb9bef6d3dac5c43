package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/chatcompanion/chat"
	"github.com/onnwee/chatcompanion/idle"
	"github.com/onnwee/chatcompanion/telemetry"
)

// DefaultQueueSize bounds the event queue.
const DefaultQueueSize = 64

// Worker is the single consumer of chat events. It also drives the idle
// monitor, so replies and self-talk are never produced concurrently.
type Worker struct {
	engine *Engine
	idle   *idle.Monitor
	queue  chan chat.Event
	tick   time.Duration
	now    func() time.Time
}

// NewWorker creates a worker with a queue of queueSize events.
func NewWorker(e *Engine, monitor *idle.Monitor, queueSize int) *Worker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Worker{
		engine: e,
		idle:   monitor,
		queue:  make(chan chat.Event, queueSize),
		tick:   idleTick(monitor.Threshold()),
		now:    e.now,
	}
}

// idleTick checks a few times per threshold, at most once a second.
func idleTick(threshold time.Duration) time.Duration {
	d := threshold / 4
	if d <= 0 {
		return time.Millisecond
	}
	return min(d, time.Second)
}

// Submit enqueues ev without blocking. It returns false when the queue is
// full and the event was dropped.
func (w *Worker) Submit(ev chat.Event) bool {
	select {
	case w.queue <- ev:
		telemetry.IncRouted(ev.Platform)
		telemetry.SetEventQueueDepth(len(w.queue))
		return true
	default:
		telemetry.IncDropped("queue_full")
		return false
	}
}

// Pending returns the number of queued events.
func (w *Worker) Pending() int { return len(w.queue) }

// Run consumes events until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.queue:
			telemetry.SetEventQueueDepth(len(w.queue))
			w.idle.Touch(w.now())
			_, err := w.engine.Handle(ctx, ev)
			logOutcome(ev, err)
		case <-t.C:
		}
		now := w.now()
		silence := w.idle.Silence(now)
		if w.idle.Due(now) {
			slog.Debug("self-talk", slog.Duration("silence", silence), slog.String("component", "engine"))
			if _, err := w.engine.SelfTalk(ctx); err != nil {
				logOutcome(chat.Event{}, err)
			}
		}
	}
}

// logOutcome logs a failed turn at a level chosen by its class.
func logOutcome(ev chat.Event, err error) {
	if err == nil {
		return
	}
	class := Classify(err)
	stage := "unknown"
	var se *Error
	if errors.As(err, &se) {
		stage = se.Stage
	}
	attrs := []any{
		slog.String("stage", stage),
		slog.String("class", class.String()),
		slog.String("author", ev.Author),
		slog.Any("err", err),
		slog.String("component", "engine"),
	}
	switch class {
	case ClassSkip:
		telemetry.IncDropped(stage)
		slog.Debug("turn skipped", attrs...)
	case ClassTransient, ClassMalformed:
		slog.Warn("turn failed", attrs...)
	default:
		slog.Error("turn failed", attrs...)
	}
}
