// Package engine turns chat events into spoken replies. It owns the
// conversational state and runs each event through a fixed pipeline: repeat
// guard, history, greeting cooldown, completion, repair, anti-repetition,
// continuation, memory recall, translation and speech hand-off.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chatcompanion/chat"
	"github.com/onnwee/chatcompanion/llm"
	"github.com/onnwee/chatcompanion/telemetry"
)

// DefaultGreetingCooldown suppresses repeated greetings.
const DefaultGreetingCooldown = 600 * time.Second

// ChatLog persists viewer messages and the bot transcript.
type ChatLog interface {
	AppendUser(ctx context.Context, ev chat.Event) error
	UserHistory(ctx context.Context, author string) (string, error)
	AppendTranscript(ctx context.Context, line string) error
}

// Translator converts text between locales.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// Speaker accepts text for playback. Implementations must not block on
// playback.
type Speaker interface {
	Enqueue(text string) error
}

// Config is the engine configuration.
type Config struct {
	Persona          Persona
	NativeLocale     string
	OutputLocale     string
	GreetingCooldown time.Duration
}

// Deps are the engine's collaborators. Translator and Log may be nil.
type Deps struct {
	Completer  llm.Completer
	Translator Translator
	Speaker    Speaker
	Log        ChatLog
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRand replaces the random source used for phrase selection.
func WithRand(r *rand.Rand) Option { return func(e *Engine) { e.rnd = r } }

// Engine processes chat events one at a time.
type Engine struct {
	cfg   Config
	deps  Deps
	state *State

	now   func() time.Time
	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New creates an engine. The persona's memory seeds populate the state.
func New(cfg Config, deps Deps, opts ...Option) *Engine {
	if cfg.GreetingCooldown <= 0 {
		cfg.GreetingCooldown = DefaultGreetingCooldown
	}
	if cfg.Persona.BotName == "" {
		cfg.Persona = DefaultPersona()
	}
	e := &Engine{
		cfg:   cfg,
		deps:  deps,
		state: NewState(cfg.Persona.Memory),
		now:   time.Now,
		rnd:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// State exposes the conversational state.
func (e *Engine) State() *State { return e.state }

// Snapshot returns a copy of the conversational state.
func (e *Engine) Snapshot() Snapshot { return e.state.Snapshot() }

// BotName returns the persona's name.
func (e *Engine) BotName() string { return e.cfg.Persona.BotName }

func (e *Engine) pick(list []string) string {
	e.rndMu.Lock()
	defer e.rndMu.Unlock()
	return list[e.rnd.IntN(len(list))]
}

// Handle runs ev through the pipeline and returns the text handed to speech.
// An empty reply with a nil error means the event was consumed without a
// reply (an accepted greeting). Every failure is an *Error.
func (e *Engine) Handle(ctx context.Context, ev chat.Event) (reply string, err error) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "engine", "engine.turn")
	defer func() {
		if err != nil && Classify(err) != ClassSkip {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "engine"))
	st := e.state
	p := e.cfg.Persona

	if st.Paused() {
		return "", skip(StagePause, ErrPaused)
	}
	if !st.markProcessed(ev.Message) {
		return "", skip(StageRepeat, ErrRepeatedMessage)
	}

	st.appendHistory(llm.Message{Role: llm.RoleUser, Content: ev.Author + ": " + ev.Message})
	if e.deps.Log != nil {
		if err := e.deps.Log.AppendUser(ctx, ev); err != nil {
			telemetry.IncCollaboratorFailure("chatlog")
			logger.Warn("chat log append failed", slog.Any("err", err))
		}
	}

	if p.isGreeting(ev.Message) {
		if !st.acceptGreeting(e.now(), e.cfg.GreetingCooldown) {
			return "", skip(StageGreeting, ErrGreetingCooldown)
		}
		logger.Debug("greeting accepted", slog.String("author", ev.Author))
		return "", nil
	}

	userData := ""
	if e.deps.Log != nil {
		if h, err := e.deps.Log.UserHistory(ctx, ev.Author); err != nil {
			logger.Warn("user history unavailable", slog.Any("err", err), slog.String("author", ev.Author))
		} else {
			userData = h
		}
	}

	var raw string
	var cerr error
	d := telemetry.TimeFunc(telemetry.CompletionDuration, func() {
		raw, cerr = e.deps.Completer.Complete(ctx, e.buildRequest(ev, userData))
	})
	if cerr != nil {
		telemetry.IncCollaboratorFailure("completion")
		return "", stageErr(StageComplete, fmt.Errorf("completion: %w", cerr))
	}
	logger.Debug("completion received", slog.Duration("took", d))

	text := e.repair(strings.TrimSpace(raw))
	if st.isRecent(text) {
		return "", skip(StageDedupe, ErrDuplicateResponse)
	}
	key := text

	if e.shouldContinue(text) {
		text += " " + e.pick(p.Continuations)
	}

	if topic, remarks, ok := st.firstTopic(ev.Message); ok && len(remarks) > 0 {
		text += p.recallClause(topic, e.pick(remarks))
	}
	if e.needsTranslation() {
		// replies mix model output with persona phrases, so the source is detected
		translated, terr := e.deps.Translator.Translate(ctx, text, "", e.cfg.OutputLocale)
		if terr != nil {
			telemetry.IncCollaboratorFailure("translate")
			return "", stageErr(StageTranslate, fmt.Errorf("translate: %w", terr))
		}
		text = translated
	}

	st.recordResponse(key)
	if err := e.deps.Speaker.Enqueue(text); err != nil {
		return "", stageErr(StageSpeak, err)
	}
	telemetry.IncSpoken()
	for _, t := range st.mentionedTopics(ev.Message) {
		st.Remember(t, ev.Message)
	}
	e.transcript(ctx, logger, p.BotName+": "+text)
	logger.Info("reply", slog.String("author", ev.Author), slog.String("text", text))
	return text, nil
}

// SelfTalk speaks a random idle remark, bypassing the reply pipeline.
func (e *Engine) SelfTalk(ctx context.Context) (string, error) {
	p := e.cfg.Persona
	line := e.pick(p.IdleRemarks)
	logger := slog.Default().With(slog.String("component", "engine"))
	e.transcript(ctx, logger, p.BotName+" 혼잣말: "+line)
	telemetry.IncSelfTalk()
	if err := e.deps.Speaker.Enqueue(line); err != nil {
		return line, stageErr(StageSpeak, err)
	}
	logger.Info("self-talk", slog.String("text", line))
	return line, nil
}

func (e *Engine) transcript(ctx context.Context, logger *slog.Logger, line string) {
	if e.deps.Log == nil {
		return
	}
	if err := e.deps.Log.AppendTranscript(ctx, line); err != nil {
		telemetry.IncCollaboratorFailure("chatlog")
		logger.Warn("transcript append failed", slog.Any("err", err))
	}
}

// buildRequest assembles system prompt, history, user data and the three
// restatements of the current message.
func (e *Engine) buildRequest(ev chat.Event, userData string) []llm.Message {
	hist := e.state.historyItems()
	msgs := make([]llm.Message, 0, len(hist)+5)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: e.cfg.Persona.SystemPrompt})
	msgs = append(msgs, hist...)
	msgs = append(msgs,
		llm.Message{Role: llm.RoleUser, Content: "User data: " + userData},
		llm.Message{Role: llm.RoleUser, Content: ev.Author + ": " + ev.Message},
		llm.Message{Role: llm.RoleUser, Content: ev.Author + " asked about: " + ev.Message},
		llm.Message{Role: llm.RoleUser, Content: ev.Message + " - asked by " + ev.Author},
	)
	return msgs
}

// repair appends the filler when text looks cut off or is very short.
func (e *Engine) repair(text string) string {
	p := e.cfg.Persona
	if len(strings.Fields(text)) < 5 || hasAnySuffix(text, p.IncompleteMarkers) {
		return text + p.Filler
	}
	return text
}

func (e *Engine) shouldContinue(text string) bool {
	return len(strings.Fields(text)) < 10 || hasAnySuffix(text, e.cfg.Persona.Connectives)
}

func (e *Engine) needsTranslation() bool {
	return e.deps.Translator != nil && e.cfg.OutputLocale != "" &&
		!strings.EqualFold(e.cfg.NativeLocale, e.cfg.OutputLocale)
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if suf != "" && strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

func containsTopic(msg, topic string) bool {
	return topic != "" && strings.Contains(msg, topic)
}
