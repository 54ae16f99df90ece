// Package quill defines the message types exchanged between an editor and
// the quill daemon, plus configuration and the error taxonomy shared by the
// engine packages. Messages are JSON-encoded and sent over a Unix domain
// socket, one per line.
package quill

// Message types sent from the editor to the daemon.
const (
	// MessageAttach turns the connection into a long-lived editing context.
	// It must be the first line on the connection.
	MessageAttach = "attach"
	// MessageEdit reports one raw editor event for the debouncer.
	MessageEdit = "edit"
	// MessageDocument updates the document snapshot used for the next
	// suggestion request.
	MessageDocument = "document"
	// MessageState updates the editor gating flags.
	MessageState = "state"
	// MessageSuggest requests a suggestion immediately, bypassing debounce.
	MessageSuggest  = "suggest"
	MessageNext     = "next"
	MessagePrevious = "previous"
	MessageAccept   = "accept"
	MessageCancel   = "cancel"
	// MessageChat sends a chat turn.
	MessageChat = "chat"
	// MessageNewChat archives the current conversation and starts a new one.
	MessageNewChat = "new_chat"
	// MessageContext and MessageConfig are one-shot requests.
	MessageContext = "context"
	MessageConfig  = "config"
)

// Notification types sent from the daemon to the editor.
const (
	NotifyAttached   = "attached"
	NotifyConnected  = "connected"
	NotifyCandidates = "candidates"
	NotifyUsage      = "usage"
	NotifyDone       = "done"
	NotifyClosed     = "closed"
	NotifyError      = "error"
	// NotifyEmpty is sent when a suggestion finished without producing text.
	NotifyEmpty     = "empty"
	NotifyAccepted  = "accepted"
	NotifyChatDelta = "chat_delta"
	NotifyChatDone  = "chat_done"
	// NotifyChatStopped is sent when the daemon, not the editor, stopped a
	// chat reply, e.g. on config reload. Text holds the partial reply.
	NotifyChatStopped = "chat_stopped"
)

// Message is one line sent from the editor to the daemon.
type Message struct {
	// Type selects the operation (see the Message* constants).
	Type string `json:"type"`
	// ContextID identifies the editing context (one per editor/caret
	// location). Set on attach; later lines inherit it.
	ContextID string `json:"context_id,omitempty"`
	// Edit is the EditType wire name for "edit" messages.
	Edit string `json:"edit,omitempty"`
	// Document is the document snapshot for "document" and "suggest".
	Document *Document `json:"document,omitempty"`
	// State carries gating flags for "attach" and "state".
	State *EditorState `json:"state,omitempty"`
	// PromptType names the chat prompt template (e.g. "chat", "explain").
	PromptType string `json:"prompt_type,omitempty"`
	// Args holds named template arguments for "chat" (text, code, language).
	Args map[string]string `json:"args,omitempty"`
}

// Document is a snapshot of the text around the caret.
type Document struct {
	// Path is the file path, used for workspace context lookup.
	Path string `json:"path,omitempty"`
	// Language is the editor's language identifier (e.g. "go", "bash").
	Language string `json:"language,omitempty"`
	// Text is the full document text.
	Text string `json:"text"`
	// Offset is the caret byte offset within Text.
	Offset int `json:"offset"`
}

// EditorState holds the editor conditions that gate automatic triggers.
type EditorState struct {
	// AutoComplete enables automatic suggestions. Nil keeps the current value.
	AutoComplete *bool `json:"auto_complete,omitempty"`
	// PopupVisible is true while a lookup or lint popup is showing.
	PopupVisible bool `json:"popup_visible,omitempty"`
	// Indexing is true while the editor is indexing ("dumb mode").
	Indexing bool `json:"indexing,omitempty"`
}

// Usage reports token counts for a request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Notification is one line sent from the daemon to the editor.
type Notification struct {
	Type      string `json:"type"`
	ContextID string `json:"context_id,omitempty"`
	// SessionID identifies the completion session that produced the
	// notification, so the editor can drop stale lines.
	SessionID string `json:"session_id,omitempty"`
	// Candidates is the full candidate list after the latest update.
	Candidates []string `json:"candidates,omitempty"`
	// Current is the index of the candidate being previewed.
	Current int `json:"current"`
	// Text is the accepted candidate, or the chat delta.
	Text  string `json:"text,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error describes a daemon-side error returned to the editor.
type Error struct {
	// Code is a machine-readable error identifier (see ErrorKind).
	Code string `json:"code"`
	// Message is a human-readable error description.
	Message string `json:"message"`
}

// ContextRequest is sent from the editor to warm the workspace context cache.
type ContextRequest struct {
	// Type is always "context".
	Type string `json:"type"`
	// Dir is the directory to pre-cache context for.
	Dir string `json:"dir"`
}

// ContextResponse is sent from the daemon in response to a ContextRequest.
type ContextResponse struct {
	// OK is true when the warm-up was accepted.
	OK bool `json:"ok"`
	// Error is set when the operation fails.
	Error *Error `json:"error,omitempty"`
}

// ConfigRequest is sent from the editor for configuration operations.
type ConfigRequest struct {
	// Type is always "config".
	Type string `json:"type"`
	// Action is the config operation: "get", "reload", "defaults",
	// "default_prompt" or "validate".
	Action string `json:"action"`
}

// ConfigResponse is sent from the daemon in response to a ConfigRequest.
type ConfigResponse struct {
	// Config is the current configuration (for "get", "reload", and "defaults" actions).
	Config *Config `json:"config,omitempty"`
	// Prompt is the default prompt template (for "default_prompt" action).
	Prompt string `json:"prompt,omitempty"`
	// Warnings contains configuration warnings (for "validate" action).
	Warnings []string `json:"warnings,omitempty"`
	// Error is set when the operation fails.
	Error *Error `json:"error,omitempty"`
}
