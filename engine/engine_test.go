package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatcompanion/chat"
	"github.com/onnwee/chatcompanion/llm"
)

type fakeCompleter struct {
	mu      sync.Mutex
	replies []string
	calls   [][]llm.Message
	err     error
}

func (f *fakeCompleter) Complete(ctx context.Context, msgs []llm.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msgs)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", errors.New("no reply scripted")
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r, nil
}

func (f *fakeCompleter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSpeaker struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (s *fakeSpeaker) Enqueue(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.lines = append(s.lines, text)
	return nil
}

func (s *fakeSpeaker) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lines)
}

type fakeLog struct {
	mu         sync.Mutex
	users      []chat.Event
	transcript []string
}

func (l *fakeLog) AppendUser(ctx context.Context, ev chat.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users = append(l.users, ev)
	return nil
}

func (l *fakeLog) UserHistory(ctx context.Context, author string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	for _, ev := range l.users {
		if ev.Author == author {
			b.WriteString(ev.Message + "\n")
		}
	}
	return b.String(), nil
}

func (l *fakeLog) AppendTranscript(ctx context.Context, line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transcript = append(l.transcript, line)
	return nil
}

type fakeTranslator struct {
	calls []string
	err   error
}

func (t *fakeTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	t.calls = append(t.calls, source+">"+target)
	if t.err != nil {
		return "", t.err
	}
	return "[" + target + "] " + text, nil
}

// longReply has more than ten tokens, so neither repair nor continuation applies.
func longReply(i int) string {
	return fmt.Sprintf("this is reply number %d and it is long enough to stand alone.", i)
}

type harness struct {
	eng     *Engine
	llm     *fakeCompleter
	speaker *fakeSpeaker
	log     *fakeLog
	now     time.Time
}

func newHarness(t *testing.T, cfg Config, replies ...string) *harness {
	t.Helper()
	h := &harness{
		llm:     &fakeCompleter{replies: replies},
		speaker: &fakeSpeaker{},
		log:     &fakeLog{},
		now:     time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC),
	}
	h.eng = New(cfg, Deps{Completer: h.llm, Speaker: h.speaker, Log: h.log},
		WithClock(func() time.Time { return h.now }),
		WithRand(rand.New(rand.NewPCG(1, 2))))
	return h
}

func ev(author, msg string) chat.Event {
	return chat.Event{Author: author, Message: msg, Kind: chat.KindChat, Platform: chat.PlatformChzzk}
}

func wantSkip(t *testing.T, err error, stage string, cause error) {
	t.Helper()
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if se.Stage != stage || se.Class != ClassSkip || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want skip at %s (%v)", err, stage, cause)
	}
}

func TestRepeatedMessageIsDropped(t *testing.T) {
	h := newHarness(t, Config{}, longReply(1), longReply(2))
	ctx := context.Background()

	if _, err := h.eng.Handle(ctx, ev("a", "what game is this")); err != nil {
		t.Fatalf("first Handle() error: %v", err)
	}
	_, err := h.eng.Handle(ctx, ev("b", "what game is this"))
	wantSkip(t, err, StageRepeat, ErrRepeatedMessage)

	if h.llm.count() != 1 {
		t.Errorf("completion calls = %d, want 1", h.llm.count())
	}
	if n := len(h.eng.Snapshot().History); n != 1 {
		t.Errorf("history len = %d, want 1", n)
	}
	if len(h.log.users) != 1 {
		t.Errorf("logged user messages = %d, want 1", len(h.log.users))
	}
}

func TestGreetingCooldown(t *testing.T) {
	h := newHarness(t, Config{}, longReply(1))
	ctx := context.Background()
	start := h.now

	reply, err := h.eng.Handle(ctx, ev("a", "안녕하세요"))
	if err != nil || reply != "" {
		t.Fatalf("first greeting = %q, %v; want accepted silently", reply, err)
	}

	h.now = start.Add(599 * time.Second)
	_, err = h.eng.Handle(ctx, ev("b", "환영합니다"))
	wantSkip(t, err, StageGreeting, ErrGreetingCooldown)

	h.now = start.Add(600 * time.Second)
	reply, err = h.eng.Handle(ctx, ev("c", "사랑스러운 시청자 여러분"))
	if err != nil || reply != "" {
		t.Fatalf("greeting after cooldown = %q, %v; want accepted", reply, err)
	}
	if !h.eng.Snapshot().LastGreeting.Equal(h.now) {
		t.Errorf("last greeting = %v, want %v", h.eng.Snapshot().LastGreeting, h.now)
	}

	if h.llm.count() != 0 {
		t.Errorf("greetings reached the completer %d times", h.llm.count())
	}
	if len(h.speaker.spoken()) != 0 {
		t.Errorf("greetings were spoken: %v", h.speaker.spoken())
	}
	// greetings still enter history
	if n := len(h.eng.Snapshot().History); n != 3 {
		t.Errorf("history len = %d, want 3", n)
	}
}

func TestHistoryKeepsLastTwenty(t *testing.T) {
	replies := make([]string, 25)
	for i := range replies {
		replies[i] = longReply(i)
	}
	h := newHarness(t, Config{}, replies...)
	for i := 0; i < 25; i++ {
		if _, err := h.eng.Handle(context.Background(), ev("a", fmt.Sprintf("message %d", i))); err != nil {
			t.Fatalf("Handle(%d) error: %v", i, err)
		}
	}
	hist := h.eng.Snapshot().History
	if len(hist) != HistorySize {
		t.Fatalf("history len = %d, want %d", len(hist), HistorySize)
	}
	for i, m := range hist {
		want := fmt.Sprintf("a: message %d", i+5)
		if m.Content != want || m.Role != llm.RoleUser {
			t.Errorf("history[%d] = %+v, want %q", i, m, want)
		}
	}
	if n := len(h.eng.Snapshot().Recent); n != RecentSize {
		t.Errorf("recent responses = %d, want %d", n, RecentSize)
	}
}

func TestDuplicateResponseIsDropped(t *testing.T) {
	h := newHarness(t, Config{}, longReply(7))
	ctx := context.Background()
	if _, err := h.eng.Handle(ctx, ev("a", "first question")); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	_, err := h.eng.Handle(ctx, ev("b", "second question"))
	wantSkip(t, err, StageDedupe, ErrDuplicateResponse)
	if got := len(h.speaker.spoken()); got != 1 {
		t.Errorf("spoken = %d, want 1", got)
	}
}

func TestRequestShape(t *testing.T) {
	h := newHarness(t, Config{}, longReply(1))
	if _, err := h.eng.Handle(context.Background(), ev("철수", "무슨 게임이에요")); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	msgs := h.llm.calls[0]
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != DefaultPersona().SystemPrompt {
		t.Errorf("first message = %+v", msgs[0])
	}
	tail := msgs[len(msgs)-4:]
	want := []string{
		"User data: 무슨 게임이에요\n",
		"철수: 무슨 게임이에요",
		"철수 asked about: 무슨 게임이에요",
		"무슨 게임이에요 - asked by 철수",
	}
	for i, w := range want {
		if tail[i].Content != w {
			t.Errorf("tail[%d] = %q, want %q", i, tail[i].Content, w)
		}
	}
	if msgs[1].Content != "철수: 무슨 게임이에요" {
		t.Errorf("history entry = %q", msgs[1].Content)
	}
}

func TestRepairAndContinuation(t *testing.T) {
	p := DefaultPersona()
	tests := []struct {
		name       string
		completion string
		want       string
		continued  bool
	}{
		{
			name:       "short answer gets filler only",
			completion: "짧은 답",
			want:       "짧은 답" + p.Filler,
		},
		{
			name:       "incomplete marker gets filler",
			completion: "one two three four five six seven eight nine ten 그리고",
			want:       "one two three four five six seven eight nine ten 그리고" + p.Filler,
		},
		{
			name:       "medium answer gets continuation",
			completion: "one two three four five six",
			want:       "one two three four five six",
			continued:  true,
		},
		{
			name:       "long answer left alone",
			completion: "  " + longReply(3) + "\n",
			want:       longReply(3),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, tt.completion)
			got, err := h.eng.Handle(context.Background(), ev("a", "question"))
			if err != nil {
				t.Fatalf("Handle() error: %v", err)
			}
			if !tt.continued {
				if got != tt.want {
					t.Fatalf("reply = %q, want %q", got, tt.want)
				}
				return
			}
			rest, ok := strings.CutPrefix(got, tt.want+" ")
			if !ok || !slices.Contains(p.Continuations, rest) {
				t.Fatalf("reply = %q, want %q plus a continuation", got, tt.want)
			}
		})
	}
}

func TestMemoryRecallFirstTopicOnly(t *testing.T) {
	p := DefaultPersona()
	p.Memory = []MemorySeed{
		{Topic: "게임", Remarks: []string{"어제 한 게임 정말 재밌었어"}},
		{Topic: "노래", Remarks: []string{"노래방 가고 싶다"}},
	}
	h := newHarness(t, Config{Persona: p}, longReply(1), longReply(2))
	ctx := context.Background()

	got, err := h.eng.Handle(ctx, ev("a", "노래 듣고 게임 할까요"))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	want := longReply(1) + " 예전에 게임에 대해 이런 대화를 했었죠: 어제 한 게임 정말 재밌었어"
	if got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
	if strings.Contains(got, "노래방") {
		t.Error("second topic was recalled too")
	}

	topics := h.eng.Snapshot().Topics
	if !slices.Equal(topics, []string{"게임", "노래"}) {
		t.Errorf("topics = %v", topics)
	}
	// the message was remembered under both topics it mentions
	_, remarks, _ := h.eng.State().firstTopic("노래")
	if !slices.Contains(remarks, "노래 듣고 게임 할까요") {
		t.Errorf("노래 remarks = %v", remarks)
	}
}

func TestRememberNewTopic(t *testing.T) {
	h := newHarness(t, Config{}, longReply(1))
	h.eng.State().Remember("고양이", "고양이는 귀여워")
	got, err := h.eng.Handle(context.Background(), ev("a", "고양이 키워요?"))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if !strings.HasSuffix(got, " 예전에 고양이에 대해 이런 대화를 했었죠: 고양이는 귀여워") {
		t.Fatalf("reply = %q", got)
	}
}

func TestFailedTurnIsNotRemembered(t *testing.T) {
	p := DefaultPersona()
	p.Memory = []MemorySeed{{Topic: "게임"}}
	tests := []struct {
		name string
		deps func(h *harness) Deps
	}{
		{"translate", func(h *harness) Deps {
			return Deps{Completer: h.llm, Speaker: h.speaker, Translator: &fakeTranslator{err: errors.New("quota")}}
		}},
		{"speak", func(h *harness) Deps {
			h.speaker.err = errors.New("speech queue full")
			return Deps{Completer: h.llm, Speaker: h.speaker}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, longReply(1))
			e := New(Config{Persona: p, NativeLocale: "en", OutputLocale: "ko"}, tt.deps(h))
			if _, err := e.Handle(context.Background(), ev("a", "게임 하실래요")); err == nil {
				t.Fatal("Handle() succeeded, want failure")
			}
			if _, remarks, _ := e.State().firstTopic("게임"); len(remarks) != 0 {
				t.Errorf("remarks after failed turn = %v", remarks)
			}
		})
	}
}

func TestTranslationWhenLocalesDiffer(t *testing.T) {
	tr := &fakeTranslator{}
	h := newHarness(t, Config{}, longReply(1))
	h.eng = New(Config{NativeLocale: "en", OutputLocale: "ko"},
		Deps{Completer: h.llm, Speaker: h.speaker, Log: h.log, Translator: tr},
		WithRand(rand.New(rand.NewPCG(1, 2))))
	got, err := h.eng.Handle(context.Background(), ev("a", "hello"))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if got != "[ko] "+longReply(1) {
		t.Errorf("reply = %q", got)
	}
	// source is left to detection
	if len(tr.calls) != 1 || tr.calls[0] != ">ko" {
		t.Errorf("translator calls = %v", tr.calls)
	}

	same := &fakeTranslator{}
	e := New(Config{NativeLocale: "ko", OutputLocale: "ko"},
		Deps{Completer: &fakeCompleter{replies: []string{longReply(2)}}, Speaker: &fakeSpeaker{}, Translator: same})
	if _, err := e.Handle(context.Background(), ev("a", "hi")); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if len(same.calls) != 0 {
		t.Errorf("translator called for equal locales: %v", same.calls)
	}
}

func TestTranscriptAndSpeech(t *testing.T) {
	h := newHarness(t, Config{}, longReply(1))
	if _, err := h.eng.Handle(context.Background(), ev("a", "hello")); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if got := h.speaker.spoken(); len(got) != 1 || got[0] != longReply(1) {
		t.Errorf("spoken = %v", got)
	}
	if len(h.log.transcript) != 1 || h.log.transcript[0] != "Terry: "+longReply(1) {
		t.Errorf("transcript = %v", h.log.transcript)
	}
}

func TestPausedDropsEverything(t *testing.T) {
	h := newHarness(t, Config{}, longReply(1))
	h.eng.State().SetPaused(true)
	_, err := h.eng.Handle(context.Background(), ev("a", "hello"))
	wantSkip(t, err, StagePause, ErrPaused)
	if len(h.eng.Snapshot().History) != 0 || h.eng.Snapshot().LastMessage != "" {
		t.Error("paused event touched state")
	}

	h.eng.State().SetPaused(false)
	if _, err := h.eng.Handle(context.Background(), ev("a", "hello")); err != nil {
		t.Fatalf("Handle() after resume error: %v", err)
	}
}

func TestCollaboratorFailuresAreClassified(t *testing.T) {
	h := newHarness(t, Config{})
	h.llm.err = fmt.Errorf("ollama error (status 503): busy")
	_, err := h.eng.Handle(context.Background(), ev("a", "hello"))
	var se *Error
	if !errors.As(err, &se) || se.Stage != StageComplete || se.Class != ClassTransient {
		t.Fatalf("err = %v, want transient completion error", err)
	}
	if len(h.speaker.spoken()) != 0 {
		t.Error("failed turn produced speech")
	}

	h2 := newHarness(t, Config{}, longReply(1))
	h2.speaker.err = errors.New("speech queue full")
	_, err = h2.eng.Handle(context.Background(), ev("a", "hello"))
	if !errors.As(err, &se) || se.Stage != StageSpeak {
		t.Fatalf("err = %v, want speak stage error", err)
	}
}

func TestSelfTalk(t *testing.T) {
	h := newHarness(t, Config{})
	line, err := h.eng.SelfTalk(context.Background())
	if err != nil {
		t.Fatalf("SelfTalk() error: %v", err)
	}
	if !slices.Contains(DefaultPersona().IdleRemarks, line) {
		t.Errorf("line %q is not an idle remark", line)
	}
	if got := h.speaker.spoken(); len(got) != 1 || got[0] != line {
		t.Errorf("spoken = %v", got)
	}
	if h.log.transcript[0] != "Terry 혼잣말: "+line {
		t.Errorf("transcript = %v", h.log.transcript)
	}
	if h.llm.count() != 0 {
		t.Error("self-talk called the completer")
	}
}

func TestGreetingThenWelcomeExample(t *testing.T) {
	h := newHarness(t, Config{}, longReply(1))
	ctx := context.Background()
	if r, err := h.eng.Handle(ctx, ev("a", "안녕하세요")); err != nil || r != "" {
		t.Fatalf("greeting = %q, %v", r, err)
	}
	h.now = h.now.Add(10 * time.Second)
	_, err := h.eng.Handle(ctx, ev("a", "환영합니다"))
	wantSkip(t, err, StageGreeting, ErrGreetingCooldown)
	if len(h.speaker.spoken()) != 0 || h.llm.count() != 0 {
		t.Error("greetings produced a reply")
	}
}
