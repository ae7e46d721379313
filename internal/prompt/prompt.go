// Package prompt assembles the message list sent to the LLM for a turn:
// system prompt, retrieved knowledge, conversation window, extra request
// context, and the user's message.
//
// The builder is pure: it performs no I/O, has no side effects, and is safe
// for concurrent use.
package prompt

import (
	"fmt"
	"strings"

	"github.com/talaria-ai/talaria/internal/retriever"
	"github.com/talaria-ai/talaria/pkg/types"
)

// DefaultSystemPrompt is used when no custom persona is configured.
const DefaultSystemPrompt = "You are a helpful voice assistant. Keep answers concise and conversational; they may be read aloud."

// personas are the built-in named system-prompt templates.
var personas = map[string]string{
	"generic": DefaultSystemPrompt,
	"support": "You are a patient customer-support agent. Resolve the user's issue step by step, " +
		"confirm understanding before moving on, and keep answers short enough to be read aloud. " +
		"If you cannot resolve something, say so and suggest the next step.",
	"tutor": "You are an encouraging tutor. Explain concepts simply, check the learner's understanding " +
		"with short questions, and never just hand over the final answer to an exercise. " +
		"Keep responses conversational; they may be read aloud.",
}

// PersonaPrompt returns the system prompt template registered under name.
// The second return reports whether the persona exists.
func PersonaPrompt(name string) (string, bool) {
	p, ok := personas[name]
	return p, ok
}

// Input carries everything the builder needs for one turn.
type Input struct {
	// SystemPrompt overrides [DefaultSystemPrompt] when non-empty.
	SystemPrompt string

	// History is the conversation window, oldest first.
	History []types.Message

	// Retrieved holds knowledge-base hits for the current message, best
	// first. Empty on cache-only or degraded turns.
	Retrieved []retriever.Result

	// Context is free-form request-scoped context supplied by the caller.
	Context string

	// UserMessage is the current user input.
	UserMessage string
}

// Build assembles the full message list in the order system, history, user.
// Retrieved knowledge and request context are folded into the system
// message so they never masquerade as conversation turns.
func Build(in Input) []types.Message {
	sys := strings.TrimSpace(in.SystemPrompt)
	if sys == "" {
		sys = DefaultSystemPrompt
	}

	var sb strings.Builder
	sb.WriteString(sys)

	if len(in.Retrieved) > 0 {
		sb.WriteString("\n\nContext:\n")
		sb.WriteString("Use the following excerpts when they are relevant. Do not mention that you were given them.\n")
		for i, r := range in.Retrieved {
			fmt.Fprintf(&sb, "\n[%d] %s", i+1, strings.TrimSpace(r.Text))
		}
	}

	if ctx := strings.TrimSpace(in.Context); ctx != "" {
		sb.WriteString("\n\nRequest context:\n")
		sb.WriteString(ctx)
	}

	msgs := make([]types.Message, 0, len(in.History)+2)
	msgs = append(msgs, types.Message{Role: string(types.RoleSystem), Content: sb.String()})
	msgs = append(msgs, in.History...)
	msgs = append(msgs, types.Message{Role: string(types.RoleUser), Content: in.UserMessage})
	return msgs
}
