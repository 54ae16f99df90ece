package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	quill "github.com/Paranoid-AF/quill"
	"golang.org/x/term"
)

// termWriter wraps a file and converts \n to \r\n when the file is a terminal
// (needed because raw mode disables the kernel's NL→CRNL translation).
// When the file is redirected, \n passes through unchanged.
func termWriter(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) {
		return &crlfWriter{w: f}
	}
	return f
}

type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	replaced := bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))
	_, err := c.w.Write(replaced)
	return len(p), err // report original length to caller
}

// Entry is one finished exchange in the TOML log.
type Entry struct {
	Timestamp  time.Time        `toml:"timestamp"`
	Kind       string           `toml:"kind"`
	Session    string           `toml:"session,omitempty"`
	Suggestion *SuggestionEntry `toml:"suggestion,omitempty"`
	Chat       *ChatEntry       `toml:"chat,omitempty"`
	Usage      *UsageEntry      `toml:"usage,omitempty"`
	Error      *ErrorEntry      `toml:"error,omitempty"`
}

// SuggestionEntry records an inline suggestion.
type SuggestionEntry struct {
	Language   string   `toml:"language,omitempty"`
	Prefix     string   `toml:"prefix"`
	Outcome    string   `toml:"outcome"`
	Candidates []string `toml:"candidates"`
	Accepted   string   `toml:"accepted,omitempty"`
}

// ChatEntry records one chat turn.
type ChatEntry struct {
	PromptType string `toml:"prompt_type"`
	Message    string `toml:"message"`
	Reply      string `toml:"reply"`
}

// UsageEntry is the token usage reported for an exchange.
type UsageEntry struct {
	PromptTokens     int `toml:"prompt_tokens"`
	CompletionTokens int `toml:"completion_tokens"`
}

func usageEntry(u *quill.Usage) *UsageEntry {
	if u == nil {
		return nil
	}
	return &UsageEntry{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens}
}

// ErrorEntry is the wire error of a failed exchange.
type ErrorEntry struct {
	Code    string `toml:"code"`
	Message string `toml:"message"`
}

func errorEntry(e *quill.Error) *ErrorEntry {
	if e == nil {
		return nil
	}
	return &ErrorEntry{Code: e.Code, Message: e.Message}
}

// writeEntry writes a single TOML document to w, preceded by a separator
// comment.
func writeEntry(w io.Writer, e *Entry) error {
	if _, err := fmt.Fprintf(w, "# %s\n\n", strings.Repeat("═", 60)); err != nil {
		return err
	}
	if err := toml.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	_, err := fmt.Fprintln(w)
	return err
}

// lastLines returns at most n trailing lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
