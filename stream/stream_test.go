package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	quill "github.com/Paranoid-AF/quill"
)

func frames(d *Decoder, data ...string) []Event {
	var out []Event
	for _, f := range data {
		out = append(out, d.Frame(f)...)
	}
	return out
}

func TestDoneWithoutDataIsError(t *testing.T) {
	d := NewDecoder()
	events := frames(d, "[DONE]")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventError {
		t.Fatalf("expected error event, got %v", events[0].Type)
	}
	if quill.KindOf(events[0].Err) != quill.KindServer {
		t.Errorf("expected server error, got %v", events[0].Err)
	}
	if d.State() != StateError {
		t.Errorf("expected error state, got %v", d.State())
	}
}

func TestChoicesThenDone(t *testing.T) {
	d := NewDecoder()
	events := frames(d,
		`{"choices":[{"index":0,"delta":{"content":"a"}},{"index":1,"delta":{"content":"b"}}]}`,
		`{"choices":[{"index":1,"delta":{"content":"d"}},{"index":0,"delta":{"content":"c"}}]}`,
		"[DONE]",
	)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if got := strings.Join(events[0].Deltas, ","); got != "a,b" {
		t.Errorf("first deltas = %q", got)
	}
	if got := strings.Join(events[1].Deltas, ","); got != "c,d" {
		t.Errorf("second deltas indexed by choice = %q", got)
	}
	if events[2].Type != EventDone {
		t.Errorf("expected done, got %v", events[2].Type)
	}
}

func TestLegacyTextDelta(t *testing.T) {
	events := frames(NewDecoder(), `{"choices":[{"index":0,"text":"legacy"}]}`)
	if len(events) != 1 || events[0].Deltas[0] != "legacy" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestSparseChoiceIndices(t *testing.T) {
	events := frames(NewDecoder(), `{"choices":[{"index":2,"delta":{"content":"z"}}]}`)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	want := []string{"", "", "z"}
	if len(events[0].Deltas) != len(want) {
		t.Fatalf("expected %d deltas, got %d", len(want), len(events[0].Deltas))
	}
	for i := range want {
		if events[0].Deltas[i] != want[i] {
			t.Errorf("delta %d = %q, want %q", i, events[0].Deltas[i], want[i])
		}
	}
}

func TestUsageEvent(t *testing.T) {
	events := frames(NewDecoder(),
		`{"choices":[{"index":0,"delta":{"content":"x"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`,
		`{"choices":[],"usage":{"prompt_tokens":0,"completion_tokens":0}}`,
	)
	if len(events) != 2 {
		t.Fatalf("expected choices + usage, got %d events", len(events))
	}
	if events[1].Type != EventUsage || events[1].PromptTokens != 12 || events[1].CompletionTokens != 3 {
		t.Errorf("unexpected usage event %+v", events[1])
	}
}

func TestErrorFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		isErr bool
	}{
		{"message", `{"error":{"message":"rate limited"}}`, true},
		{"numeric code", `{"error":{"code":429}}`, true},
		{"string code", `{"error":{"code":"overloaded"}}`, true},
		{"zero code blank message", `{"error":{"code":0,"message":"  "}}`, false},
		{"null error", `{"error":null,"choices":[{"index":0,"delta":{"content":"ok"}}]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			events := frames(d, tt.frame)
			gotErr := len(events) > 0 && events[0].Type == EventError
			if gotErr != tt.isErr {
				t.Fatalf("error event = %v, want %v (%+v)", gotErr, tt.isErr, events)
			}
			if tt.isErr && quill.KindOf(events[0].Err) != quill.KindServer {
				t.Errorf("expected server error kind, got %v", events[0].Err)
			}
		})
	}
}

func TestMalformedFrameIsProtocolError(t *testing.T) {
	d := NewDecoder()
	events := frames(d, `{"choices":[{"index":0,"delta":{"content":"a"}}]}`, `{not json`, `{"choices":[]}`, "[DONE]")
	if len(events) != 2 {
		t.Fatalf("expected choices + error only, got %d events", len(events))
	}
	if events[1].Type != EventError || quill.KindOf(events[1].Err) != quill.KindProtocol {
		t.Errorf("expected protocol error, got %+v", events[1])
	}
}

func TestCloseOutcomes(t *testing.T) {
	t.Run("clean close without data", func(t *testing.T) {
		d := NewDecoder()
		d.Connected()
		events := d.Close(nil)
		if len(events) != 1 || events[0].Type != EventError || quill.KindOf(events[0].Err) != quill.KindServer {
			t.Fatalf("expected server error, got %+v", events)
		}
	})
	t.Run("transport error", func(t *testing.T) {
		d := NewDecoder()
		frames(d, `{"choices":[{"index":0,"delta":{"content":"a"}}]}`)
		events := d.Close(io.ErrUnexpectedEOF)
		if len(events) != 1 || quill.KindOf(events[0].Err) != quill.KindTransport {
			t.Fatalf("expected transport error, got %+v", events)
		}
		if !errors.Is(events[0].Err, io.ErrUnexpectedEOF) {
			t.Error("expected transport error to wrap the cause")
		}
	})
	t.Run("clean close after data", func(t *testing.T) {
		d := NewDecoder()
		frames(d, `{"choices":[{"index":0,"delta":{"content":"a"}}]}`)
		events := d.Close(nil)
		if len(events) != 1 || events[0].Type != EventClosed {
			t.Fatalf("expected closed, got %+v", events)
		}
	})
	t.Run("close after done", func(t *testing.T) {
		d := NewDecoder()
		frames(d, `{"choices":[{"index":0,"delta":{"content":"a"}}]}`, "[DONE]")
		if events := d.Close(nil); len(events) != 0 {
			t.Fatalf("expected no second terminal event, got %+v", events)
		}
	})
}

func collect(t *testing.T, body string) []Event {
	t.Helper()
	var events []Event
	Decode(context.Background(), strings.NewReader(body), func(e Event) bool {
		events = append(events, e)
		return true
	})
	return events
}

func terminalCount(events []Event) int {
	n := 0
	for _, e := range events {
		if e.Terminal() {
			n++
		}
	}
	return n
}

func TestDecodeBody(t *testing.T) {
	body := ": keep-alive\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"}}]}\r\n\r\n" +
		"data: [DONE]\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ignored\"}}]}\n\n"
	events := collect(t, body)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type.String()
	}
	if got := strings.Join(types, " "); got != "connected choices choices done" {
		t.Errorf("event sequence = %q", got)
	}
}

func TestDecodeOnlyDoneSentinel(t *testing.T) {
	events := collect(t, "data: [DONE]\n\n")
	if len(events) != 2 || events[1].Type != EventError {
		t.Fatalf("expected connected + error, got %+v", events)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	events := collect(t, "")
	if len(events) != 2 || events[1].Type != EventError {
		t.Fatalf("expected connected + error, got %+v", events)
	}
}

func TestDecodeUnterminatedFinalFrame(t *testing.T) {
	events := collect(t, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}")
	if len(events) != 3 || events[1].Type != EventChoices || events[2].Type != EventClosed {
		t.Fatalf("expected connected, choices, closed; got %+v", events)
	}
}

type failingReader struct {
	data string
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.data == "" {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestDecodeTransportFailure(t *testing.T) {
	r := &failingReader{
		data: "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n",
		err:  errors.New("connection reset"),
	}
	var events []Event
	Decode(context.Background(), r, func(e Event) bool {
		events = append(events, e)
		return true
	})
	last := events[len(events)-1]
	if last.Type != EventError || quill.KindOf(last.Err) != quill.KindTransport {
		t.Fatalf("expected transport error, got %+v", last)
	}
	if terminalCount(events) != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminalCount(events))
	}
}

func TestDecodeStopsWhenEmitDeclines(t *testing.T) {
	body := "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\n" +
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"b\"}}]}\n\n" +
		"data: [DONE]\n\n"
	var events []Event
	Decode(context.Background(), strings.NewReader(body), func(e Event) bool {
		events = append(events, e)
		return e.Type != EventChoices
	})
	if len(events) != 2 {
		t.Fatalf("expected decoding to stop after first choices, got %d events", len(events))
	}
}

func TestDecodeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var events []Event
	Decode(ctx, strings.NewReader("data: {\"choices\":[]}\n\n"), func(e Event) bool {
		events = append(events, e)
		return true
	})
	for _, e := range events {
		if e.Terminal() {
			t.Errorf("cancelled decode must not emit a terminal event, got %v", e.Type)
		}
	}
}

func TestScannerMultiLineData(t *testing.T) {
	sc := NewScanner(strings.NewReader("event: message\ndata: one\ndata: two\nid: 7\n\n"))
	if !sc.Next() {
		t.Fatal("expected a frame")
	}
	if sc.Data() != "one\ntwo" {
		t.Errorf("data = %q", sc.Data())
	}
	if sc.Event() != "message" {
		t.Errorf("event = %q", sc.Event())
	}
	if sc.Next() {
		t.Error("expected end of input")
	}
	if sc.Err() != nil {
		t.Errorf("unexpected error %v", sc.Err())
	}
}
