package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	quill "github.com/Paranoid-AF/quill"
	"github.com/Paranoid-AF/quill/prompt"
)

// maxErrorBody caps how much of a non-2xx response body is kept in the error.
const maxErrorBody = 4 << 10

// Request is one streaming chat-completions request.
type Request struct {
	Messages    []prompt.Message
	MaxTokens   int
	Temperature float64
	Stop        []string
	// N is the number of alternative candidates requested.
	N int
}

// Generator streams completions from an OpenAI-compatible API.
type Generator struct {
	baseURL   string
	apiKey    string
	model     string
	telemetry bool // send OpenRouter attribution headers
	client    *http.Client
}

// NewGenerator creates a generator. The client has no overall timeout since
// responses stream for as long as the model produces tokens; only the
// connection and the wait for response headers are bounded.
func NewGenerator(baseURL, apiKey, model string, telemetry bool) *Generator {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
	return &Generator{
		baseURL:   baseURL,
		apiKey:    apiKey,
		model:     model,
		telemetry: telemetry,
		client:    &http.Client{Transport: transport},
	}
}

// Model returns the configured model name.
func (g *Generator) Model() string { return g.model }

// Close releases idle connections.
func (g *Generator) Close() {
	g.client.CloseIdleConnections()
}

type chatCompletionsRequest struct {
	Model       string           `json:"model"`
	Messages    []prompt.Message `json:"messages"`
	Temperature float64          `json:"temperature"`
	N           int              `json:"n,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream"`
}

// Stream sends req and returns the event-stream body. The caller must close
// it; cancelling ctx aborts the exchange. Connection failures and non-2xx
// responses are transport failures.
func (g *Generator) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	data, err := json.Marshal(chatCompletionsRequest{
		Model:       g.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		N:           req.N,
		Stop:        req.Stop,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	g.setHeaders(httpReq)

	slog.Debug("generation request", "model", g.model, "messages", len(req.Messages), "n", req.N)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, quill.WrapFailure(quill.KindTransport, err, "send request")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, quill.Fail(quill.KindTransport, "API error (status %d): %s", resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

// setHeaders sets common headers for API requests.
func (g *Generator) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	if g.telemetry {
		req.Header.Set("X-Title", "Quill - AI assistant for your editor")
		req.Header.Set("HTTP-Referer", "https://github.com/Paranoid-AF/quill")
	}
}
