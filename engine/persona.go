package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MemorySeed is a topic with the remarks the bot already remembers about it.
type MemorySeed struct {
	Topic   string   `yaml:"topic"`
	Remarks []string `yaml:"remarks"`
}

// Persona holds the bot's name, system prompt and every fixed phrase list.
type Persona struct {
	BotName           string       `yaml:"bot_name"`
	SystemPrompt      string       `yaml:"system_prompt"`
	Greetings         []string     `yaml:"greetings"`
	IncompleteMarkers []string     `yaml:"incomplete_markers"`
	Filler            string       `yaml:"filler"`
	Connectives       []string     `yaml:"connectives"`
	Continuations     []string     `yaml:"continuations"`
	MemoryClause      string       `yaml:"memory_clause"`
	IdleRemarks       []string     `yaml:"idle_remarks"`
	Memory            []MemorySeed `yaml:"memory"`
}

// DefaultPersona returns the built-in persona.
func DefaultPersona() Persona {
	return Persona{
		BotName: "Terry",
		SystemPrompt: "You are Terry, a cheerful AI co-host on a live game stream. " +
			"Answer viewers in a friendly, casual tone and keep replies short enough to be read aloud.",
		Greetings:         []string{"안녕하세요", "환영합니다", "사랑스러운 시청자"},
		IncompleteMarkers: []string{"...", "그런데", "그리고", "그래서", "아마도", "어쩌면"},
		Filler:            " 제가 더 이야기할게 있어요. 어떤 이야기를 계속 할까요?",
		Connectives:       []string{"그런데", "그리고", "그래서"},
		Continuations: []string{
			"그럼 다음에 대해 더 이야기해볼까요?",
			"이 주제에 대해 더 알고 싶으신가요?",
			"그럼, 계속해서 이야기해볼게요.",
			"이 부분이 흥미롭네요, 좀 더 이야기해보죠.",
		},
		MemoryClause: " 예전에 {topic}에 대해 이런 대화를 했었죠: {remark}",
		IdleRemarks: []string{
			"아무도 말을 안 걸어주네... 그냥 혼잣말이나 해야겠다.",
			"지금 무슨 생각을 하고 있었더라... 아, 맞아!",
			"이 게임은 언제 해도 정말 재밌어.",
			"음, 뭐 재미있는 일이 없을까?",
			"테리야, 넌 정말 대단해! (혼잣말)",
		},
	}
}

// LoadPersona reads a YAML persona file. Keys missing from the file keep
// their default values.
func LoadPersona(path string) (Persona, error) {
	p := DefaultPersona()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read persona: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse persona %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("persona %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the lists the engine draws from at random are non-empty.
func (p Persona) Validate() error {
	var errs []error
	if strings.TrimSpace(p.BotName) == "" {
		errs = append(errs, errors.New("bot_name is required"))
	}
	if len(p.Continuations) == 0 {
		errs = append(errs, errors.New("continuations must not be empty"))
	}
	if len(p.IdleRemarks) == 0 {
		errs = append(errs, errors.New("idle_remarks must not be empty"))
	}
	for i, m := range p.Memory {
		if m.Topic == "" {
			errs = append(errs, fmt.Errorf("memory[%d]: topic is required", i))
		}
	}
	return errors.Join(errs...)
}

func (p Persona) isGreeting(msg string) bool {
	for _, g := range p.Greetings {
		if strings.Contains(msg, g) {
			return true
		}
	}
	return false
}

func (p Persona) recallClause(topic, remark string) string {
	return strings.NewReplacer("{topic}", topic, "{remark}", remark).Replace(p.MemoryClause)
}
