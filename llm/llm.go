// Package llm talks to the text-completion backend.
package llm

import "context"

// Roles used in completion requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged utterance.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer turns an ordered conversation into one reply.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}
