// Package stream decodes the server-sent event stream of an OpenAI-compatible
// completion endpoint into typed events. Every request yields at most one
// terminal event.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	quill "github.com/Paranoid-AF/quill"
)

// DoneSentinel is the data frame that marks the end of a stream.
const DoneSentinel = "[DONE]"

// EventType identifies the kind of an Event.
type EventType int

const (
	EventConnected EventType = iota
	// EventChoices carries one delta per choice index.
	EventChoices
	EventUsage
	// EventError is terminal. Err is a *quill.Failure.
	EventError
	// EventDone is terminal: the server sent the end-of-stream sentinel.
	EventDone
	// EventClosed is terminal: the body ended cleanly after data but
	// without the sentinel.
	EventClosed
)

var eventTypeNames = [...]string{"connected", "choices", "usage", "error", "done", "closed"}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return "unknown"
}

// Event is one decoded stream event.
type Event struct {
	Type EventType
	// Deltas holds the text appended to each choice, indexed by choice
	// index. Indices the frame did not mention are empty.
	Deltas           []string
	PromptTokens     int
	CompletionTokens int
	Err              error
}

// Terminal reports whether no event can follow e.
func (e Event) Terminal() bool {
	return e.Type == EventError || e.Type == EventDone || e.Type == EventClosed
}

// State is the decoder's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateDone
	StateError
	StateClosed
)

// Decoder is the frame-level state machine. It is not safe for concurrent
// use; one decoder serves one request.
type Decoder struct {
	state  State
	frames int
}

// NewDecoder returns a decoder in the idle state.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// State returns the current state.
func (d *Decoder) State() State { return d.state }

// Frames returns the number of data frames processed so far.
func (d *Decoder) Frames() int { return d.frames }

// Connected records that the response headers arrived.
func (d *Decoder) Connected() []Event {
	if d.state != StateIdle {
		return nil
	}
	d.state = StateStreaming
	return []Event{{Type: EventConnected}}
}

// Frame decodes one data frame. Frames after a terminal event are ignored.
func (d *Decoder) Frame(data string) []Event {
	if d.terminated() {
		return nil
	}
	d.state = StateStreaming

	data = strings.TrimSpace(data)
	if data == "" {
		return nil
	}
	if data == DoneSentinel {
		if d.frames == 0 {
			return d.fail(quill.Fail(quill.KindServer, "stream ended before any data was received"))
		}
		d.state = StateDone
		return []Event{{Type: EventDone}}
	}

	var chunk wireChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return d.fail(quill.WrapFailure(quill.KindProtocol, err, "malformed stream frame"))
	}
	if chunk.Error != nil && chunk.Error.present() {
		return d.fail(quill.Fail(quill.KindServer, "%s", chunk.Error.describe()))
	}
	d.frames++

	var events []Event
	if len(chunk.Choices) > 0 {
		events = append(events, Event{Type: EventChoices, Deltas: chunk.deltas()})
	}
	if u := chunk.Usage; u != nil && (u.PromptTokens != 0 || u.CompletionTokens != 0) {
		events = append(events, Event{
			Type:             EventUsage,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
		})
	}
	return events
}

// Close records the end of the body. err is the transport error, or nil
// for a clean end. A body that ends without any data frame is always an
// error.
func (d *Decoder) Close(err error) []Event {
	if d.terminated() {
		return nil
	}
	switch {
	case err != nil:
		return d.fail(quill.WrapFailure(quill.KindTransport, err, "stream interrupted"))
	case d.frames == 0:
		return d.fail(quill.Fail(quill.KindServer, "stream closed before any data was received"))
	default:
		d.state = StateClosed
		return []Event{{Type: EventClosed}}
	}
}

func (d *Decoder) terminated() bool {
	return d.state == StateDone || d.state == StateError || d.state == StateClosed
}

func (d *Decoder) fail(err error) []Event {
	d.state = StateError
	return []Event{{Type: EventError, Err: err}}
}

// Decode reads frames from r and passes decoded events to emit, starting
// with EventConnected and ending with exactly one terminal event. Decoding
// stops early when emit returns false or ctx is cancelled; no terminal event
// is emitted in either case.
func Decode(ctx context.Context, r io.Reader, emit func(Event) bool) {
	d := NewDecoder()
	if !emitAll(d.Connected(), emit) {
		return
	}

	sc := NewScanner(r)
	for sc.Next() {
		if ctx.Err() != nil {
			return
		}
		events := d.Frame(sc.Data())
		if !emitAll(events, emit) || d.terminated() {
			return
		}
	}
	if ctx.Err() != nil || errors.Is(sc.Err(), context.Canceled) {
		return
	}
	emitAll(d.Close(sc.Err()), emit)
}

func emitAll(events []Event, emit func(Event) bool) bool {
	for _, e := range events {
		if !emit(e) {
			return false
		}
	}
	return true
}

// Wire types of a streaming chat completion chunk.

type wireChunk struct {
	ID      string       `json:"id,omitempty"`
	Model   string       `json:"model,omitempty"`
	Created int64        `json:"created,omitempty"`
	Choices []wireChoice `json:"choices,omitempty"`
	Usage   *wireUsage   `json:"usage,omitempty"`
	Error   *wireError   `json:"error,omitempty"`
}

type wireChoice struct {
	Index int `json:"index"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	// Text is the delta field of the legacy completions endpoint.
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type wireError struct {
	Code    json.RawMessage `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// present reports whether the error field marks an error frame: a non-zero
// code or a non-blank message.
func (e *wireError) present() bool {
	return strings.TrimSpace(e.Message) != "" || e.codeString() != ""
}

// codeString returns the error code as text, or "" for an absent or zero
// code. Servers send the code as either a number or a string.
func (e *wireError) codeString() string {
	raw := bytes.TrimSpace(e.Code)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		s = string(raw)
	}
	s = strings.TrimSpace(s)
	if s == "0" {
		return ""
	}
	return s
}

func (e *wireError) describe() string {
	msg := strings.TrimSpace(e.Message)
	code := e.codeString()
	switch {
	case msg == "":
		return "server error " + code
	case code == "":
		return msg
	default:
		return msg + " (code " + code + ")"
	}
}

// maxChoices bounds the choice index accepted from a frame.
const maxChoices = 64

func (c *wireChunk) deltas() []string {
	n := 0
	for _, ch := range c.Choices {
		if ch.Index >= n && ch.Index < maxChoices {
			n = ch.Index + 1
		}
	}
	out := make([]string, n)
	for _, ch := range c.Choices {
		if ch.Index < 0 || ch.Index >= maxChoices {
			continue
		}
		text := ch.Delta.Content
		if text == "" {
			text = ch.Text
		}
		out[ch.Index] += text
	}
	return out
}
