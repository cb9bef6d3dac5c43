package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/onnwee/chatcompanion/llm"
)

// Container sizes.
const (
	HistorySize = 20
	RecentSize  = 5
)

// State is the conversational state owned by the engine. Every pipeline stage
// reads and mutates it through these methods.
type State struct {
	mu sync.Mutex

	history *Ring[llm.Message]
	recent  *Ring[string]

	topics  []string
	remarks map[string][]string

	lastMessage  string
	hasLast      bool
	greetingDone bool
	lastGreeting time.Time
	paused       bool
}

// NewState returns an empty state with memory seeded from seeds.
func NewState(seeds []MemorySeed) *State {
	s := &State{
		history: NewRing[llm.Message](HistorySize),
		recent:  NewRing[string](RecentSize),
		remarks: make(map[string][]string),
	}
	for _, m := range seeds {
		for _, r := range m.Remarks {
			s.remember(m.Topic, r)
		}
		if _, ok := s.remarks[m.Topic]; !ok {
			s.topics = append(s.topics, m.Topic)
			s.remarks[m.Topic] = nil
		}
	}
	return s
}

// Snapshot is a read-only copy of the state for status reporting.
type Snapshot struct {
	History      []llm.Message `json:"history"`
	Recent       []string      `json:"recent_responses"`
	Topics       []string      `json:"memory_topics"`
	LastMessage  string        `json:"last_message"`
	GreetingDone bool          `json:"greeting_done"`
	LastGreeting time.Time     `json:"last_greeting,omitempty"`
	Paused       bool          `json:"paused"`
}

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		History:      s.history.Items(),
		Recent:       s.recent.Items(),
		Topics:       slices.Clone(s.topics),
		LastMessage:  s.lastMessage,
		GreetingDone: s.greetingDone,
		LastGreeting: s.lastGreeting,
		Paused:       s.paused,
	}
}

// SetPaused toggles chat handling.
func (s *State) SetPaused(p bool) {
	s.mu.Lock()
	s.paused = p
	s.mu.Unlock()
}

// Paused reports whether chat handling is paused.
func (s *State) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// markProcessed records msg as the last processed message. It returns false
// when msg equals the previous one.
func (s *State) markProcessed(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasLast && s.lastMessage == msg {
		return false
	}
	s.lastMessage = msg
	s.hasLast = true
	return true
}

func (s *State) appendHistory(m llm.Message) {
	s.mu.Lock()
	s.history.Push(m)
	s.mu.Unlock()
}

func (s *State) historyItems() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Items()
}

// acceptGreeting applies the global greeting cooldown. It returns true and
// stamps now when the greeting is accepted.
func (s *State) acceptGreeting(now time.Time, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.greetingDone && now.Sub(s.lastGreeting) < cooldown {
		return false
	}
	s.greetingDone = true
	s.lastGreeting = now
	return true
}

func (s *State) isRecent(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.recent.Items(), text)
}

func (s *State) recordResponse(text string) {
	s.mu.Lock()
	s.recent.Push(text)
	s.mu.Unlock()
}

// Remember stores remark under topic. New topics are appended after existing
// ones so recall order stays stable.
func (s *State) Remember(topic, remark string) {
	if topic == "" || remark == "" {
		return
	}
	s.mu.Lock()
	s.remember(topic, remark)
	s.mu.Unlock()
}

func (s *State) remember(topic, remark string) {
	if _, ok := s.remarks[topic]; !ok {
		s.topics = append(s.topics, topic)
	}
	if slices.Contains(s.remarks[topic], remark) {
		return
	}
	s.remarks[topic] = append(s.remarks[topic], remark)
}

// firstTopic returns the first topic, in insertion order, contained in msg
// together with a copy of its remarks.
func (s *State) firstTopic(msg string) (string, []string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.topics {
		if containsTopic(msg, t) {
			return t, slices.Clone(s.remarks[t]), true
		}
	}
	return "", nil, false
}

// mentionedTopics returns every known topic contained in msg.
func (s *State) mentionedTopics(msg string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, t := range s.topics {
		if containsTopic(msg, t) {
			out = append(out, t)
		}
	}
	return out
}
