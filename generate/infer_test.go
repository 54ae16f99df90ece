package generate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	quill "github.com/Paranoid-AF/quill"
	"github.com/Paranoid-AF/quill/prompt"
)

func TestGeneratorStreamRequestShape(t *testing.T) {
	var got map[string]any
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		header = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	g := NewGenerator(srv.URL, "secret", "test-model", true)
	body, err := g.Stream(context.Background(), Request{
		Messages:    []prompt.Message{{Role: "user", Content: "hi"}},
		MaxTokens:   64,
		Temperature: 0.2,
		Stop:        []string{"\n\n"},
		N:           3,
	})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if !strings.Contains(string(data), "[DONE]") {
		t.Errorf("unexpected body %q", data)
	}

	if got["model"] != "test-model" || got["stream"] != true || got["n"] != float64(3) || got["max_tokens"] != float64(64) {
		t.Errorf("unexpected request body %v", got)
	}
	if stop, ok := got["stop"].([]any); !ok || len(stop) != 1 || stop[0] != "\n\n" {
		t.Errorf("unexpected stop %v", got["stop"])
	}
	msgs, ok := got["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("unexpected messages %v", got["messages"])
	}
	if header.Get("Authorization") != "Bearer secret" {
		t.Errorf("missing auth header")
	}
	if header.Get("Accept") != "text/event-stream" {
		t.Errorf("missing Accept header")
	}
	if header.Get("X-Title") == "" {
		t.Errorf("expected attribution headers with telemetry on")
	}
}

func TestGeneratorOmitsAttributionWithoutTelemetry(t *testing.T) {
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	body, err := NewGenerator(srv.URL, "", "m", false).Stream(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	body.Close()
	if header.Get("X-Title") != "" || header.Get("HTTP-Referer") != "" {
		t.Error("attribution headers sent with telemetry off")
	}
	if header.Get("Authorization") != "" {
		t.Error("authorization sent without api key")
	}
}

func TestGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewGenerator(srv.URL, "bad", "m", false).Stream(context.Background(), Request{})
	if quill.KindOf(err) != quill.KindTransport {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "invalid key") {
		t.Errorf("error should carry status and body: %v", err)
	}
}

func TestGeneratorConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewGenerator(url, "", "m", false).Stream(context.Background(), Request{})
	if quill.KindOf(err) != quill.KindTransport {
		t.Errorf("expected transport failure, got %v", err)
	}
}

func TestGeneratorCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGenerator(srv.URL, "", "m", false).Stream(ctx, Request{})
	if !quill.IsCancelled(err) {
		t.Errorf("expected cancellation, got %v", err)
	}
}
