package prompt

import (
	"log/slog"

	"github.com/Paranoid-AF/quill/conversation"
)

// Message is one entry of the request's messages array.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelLimits are the per-model request limits. They are fixed for the
// lifetime of a request.
type ModelLimits struct {
	// MaxInputTokens caps the estimated cost of the message history.
	// Zero or negative disables history pruning.
	MaxInputTokens int      `yaml:"max_input_tokens" json:"max_input_tokens"`
	TokenLimit     int      `yaml:"token_limit" json:"token_limit"`
	Stop           []string `yaml:"stop,omitempty" json:"stop,omitempty"`
	Temperature    float64  `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// Roles names the message roles expected by a model.
type Roles struct {
	System    string `yaml:"system"`
	User      string `yaml:"user"`
	Assistant string `yaml:"assistant"`
}

// DefaultRoles are the OpenAI chat roles.
var DefaultRoles = Roles{System: "system", User: "user", Assistant: "assistant"}

// RenderFunc turns a user message into its prompt text.
type RenderFunc func(conversation.UserMessage) string

// TextOnly renders a user message as its text argument.
func TextOnly(m conversation.UserMessage) string {
	return m.Args[conversation.ArgText]
}

// Window is the result of assembling a context window.
type Window struct {
	Messages []Message
	// Included is the number of turns folded in, counting the newest.
	Included int
	// Pruned is the number of finished turns left out for budget reasons.
	Pruned int
	// Tokens is the estimated cost of the included turns, excluding the
	// system prompt.
	Tokens int
}

// Build assembles the request messages for conv using the default roles.
func Build(conv []conversation.Turn, limits ModelLimits, systemPrompt string, render RenderFunc) []Message {
	return BuildWindow(conv, limits, DefaultRoles, systemPrompt, render).Messages
}

// BuildWindow assembles the request messages for conv, oldest first.
//
// The newest turn's user message is always included. Older turns are walked
// newest to oldest; a turn is folded in only when its reply is DONE and its
// cost fits in what remains of limits.MaxInputTokens. The first turn that
// does not fit ends the history: every turn older than it is rejected too,
// so the included history is always a contiguous run of the most recent
// turns. The system prompt is emitted first and is not counted.
func BuildWindow(conv []conversation.Turn, limits ModelLimits, roles Roles, systemPrompt string, render RenderFunc) Window {
	if render == nil {
		render = TextOnly
	}
	roles = roles.WithDefaults()

	var w Window
	if len(conv) == 0 {
		if systemPrompt != "" {
			w.Messages = []Message{{Role: roles.System, Content: systemPrompt}}
		}
		return w
	}

	// Collected newest first, reversed at the end.
	var collected []Message

	newest := render(conv[len(conv)-1].User)
	total := Estimate(newest)
	collected = append(collected, Message{Role: roles.User, Content: newest})
	w.Included = 1

	rejected := false
	for i := len(conv) - 2; i >= 0; i-- {
		turn := conv[i]
		if rejected {
			if turn.Done() {
				w.Pruned++
			}
			continue
		}
		if !turn.Done() {
			continue
		}

		user := render(turn.User)
		cost := Estimate(user) + Estimate(turn.Assistant.Content)
		if limits.MaxInputTokens > 0 && total+cost > limits.MaxInputTokens {
			rejected = true
			w.Pruned++
			continue
		}
		total += cost
		collected = append(collected,
			Message{Role: roles.Assistant, Content: turn.Assistant.Content},
			Message{Role: roles.User, Content: user},
		)
		w.Included++
	}

	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}

	if systemPrompt != "" {
		w.Messages = make([]Message, 0, len(collected)+1)
		w.Messages = append(w.Messages, Message{Role: roles.System, Content: systemPrompt})
		w.Messages = append(w.Messages, collected...)
	} else {
		w.Messages = collected
	}
	w.Tokens = total

	if w.Pruned > 0 {
		slog.Debug("context window pruned", "included", w.Included, "pruned", w.Pruned, "tokens", w.Tokens, "max_input_tokens", limits.MaxInputTokens)
	}
	return w
}

// WithDefaults fills empty role names from DefaultRoles.
func (r Roles) WithDefaults() Roles {
	if r.System == "" {
		r.System = DefaultRoles.System
	}
	if r.User == "" {
		r.User = DefaultRoles.User
	}
	if r.Assistant == "" {
		r.Assistant = DefaultRoles.Assistant
	}
	return r
}
