// Package llm talks to a hosted generative text service.
package llm

import "context"

// Roles understood by the chat endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message. Role is RoleUser or RoleAssistant; the system
// instruction is passed separately.
type Message struct {
	Role    string
	Content string
}

// Generator produces text from an instruction plus either a single prompt or
// a running conversation. Implementations hold no conversation state; callers
// pass the full history on every call.
type Generator interface {
	Generate(ctx context.Context, instruction, prompt string) (string, error)
	Chat(ctx context.Context, instruction string, history []Message) (string, error)
}
