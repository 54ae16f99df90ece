// Package conversation holds the multi-turn chat history of an editing
// context and persists it as versioned JSON files.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenerateState is the lifecycle state of an assistant message.
type GenerateState string

const (
	// StatePrompt means the reply is still streaming.
	StatePrompt  GenerateState = "PROMPT"
	StateDone    GenerateState = "DONE"
	StateStopped GenerateState = "STOPPED"
	StateError   GenerateState = "ERROR"
)

// Well-known template argument names.
const (
	ArgText     = "text"
	ArgCode     = "code"
	ArgLanguage = "language"
)

// UserMessage is the user half of a turn. Its prompt text is rendered from
// the template named by PromptType using Args.
type UserMessage struct {
	Author     string            `json:"author"`
	PromptType string            `json:"prompt_type"`
	Time       time.Time         `json:"time"`
	Args       map[string]string `json:"args"`
}

// HasContent reports whether any template argument is non-blank.
func (m UserMessage) HasContent() bool {
	for _, v := range m.Args {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// AssistantMessage is the (possibly in-progress) reply of a turn.
type AssistantMessage struct {
	Content string        `json:"content"`
	State   GenerateState `json:"state"`
	Time    time.Time     `json:"time"`
}

// Turn is one user message and its optional assistant reply.
type Turn struct {
	User      UserMessage       `json:"user"`
	Assistant *AssistantMessage `json:"assistant,omitempty"`
}

// Pending reports whether the turn has no assistant message yet.
func (t Turn) Pending() bool { return t.Assistant == nil }

// Done reports whether the assistant reply finished successfully. Only done
// turns may be folded into a later context window.
func (t Turn) Done() bool { return t.Assistant != nil && t.Assistant.State == StateDone }

// Conversation is an ordered, oldest-first sequence of turns.
// It is safe for concurrent use.
type Conversation struct {
	mu      sync.Mutex
	id      string
	turns   []Turn
	updated time.Time
}

// New creates an empty conversation with a fresh ID.
func New() *Conversation {
	return &Conversation{id: uuid.NewString(), updated: time.Now()}
}

// FromTurns creates a conversation with the given ID and history.
func FromTurns(id string, turns []Turn) *Conversation {
	if id == "" {
		id = uuid.NewString()
	}
	return &Conversation{id: id, turns: append([]Turn(nil), turns...), updated: time.Now()}
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string { return c.id }

// UpdatedAt returns the time of the last mutation.
func (c *Conversation) UpdatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updated
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Append adds a new turn at the end.
func (c *Conversation) Append(turn Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, turn)
	c.updated = time.Now()
}

// ReplaceLastAssistant sets the assistant message of the last turn. It
// returns false when the conversation is empty.
func (c *Conversation) ReplaceLastAssistant(msg AssistantMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.turns) == 0 {
		return false
	}
	c.turns[len(c.turns)-1].Assistant = &msg
	c.updated = time.Now()
	return true
}

// Last returns the newest turn.
func (c *Conversation) Last() (Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.turns) == 0 {
		return Turn{}, false
	}
	return c.turns[len(c.turns)-1], true
}

// Turns returns a copy of the history, oldest first.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	for i, t := range c.turns {
		out[i] = t
		if t.Assistant != nil {
			a := *t.Assistant
			out[i].Assistant = &a
		}
	}
	return out
}
