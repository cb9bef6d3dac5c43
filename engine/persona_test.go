package engine

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestLoadPersonaOverridesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	content := `bot_name: Mori
system_prompt: You are Mori.
idle_remarks:
  - "조용하네"
memory:
  - topic: 고양이
    remarks: ["고양이는 최고야"]
  - topic: 게임
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPersona(path)
	if err != nil {
		t.Fatalf("LoadPersona() error: %v", err)
	}
	if p.BotName != "Mori" || p.SystemPrompt != "You are Mori." {
		t.Errorf("persona = %+v", p)
	}
	if !slices.Equal(p.IdleRemarks, []string{"조용하네"}) {
		t.Errorf("idle remarks = %v", p.IdleRemarks)
	}
	if !slices.Equal(p.Greetings, DefaultPersona().Greetings) {
		t.Errorf("greetings lost their default: %v", p.Greetings)
	}
	if len(p.Memory) != 2 || p.Memory[0].Topic != "고양이" {
		t.Errorf("memory = %+v", p.Memory)
	}

	s := NewState(p.Memory)
	if got := s.Snapshot().Topics; !slices.Equal(got, []string{"고양이", "게임"}) {
		t.Errorf("seeded topics = %v", got)
	}
}

func TestLoadPersonaValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	if err := os.WriteFile(path, []byte("bot_name: \"\"\ncontinuations: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPersona(path); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := LoadPersona(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	p, err := LoadPersona("")
	if err != nil || p.BotName != "Terry" {
		t.Fatalf("LoadPersona(\"\") = %+v, %v", p, err)
	}
}
