package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	quill "github.com/Paranoid-AF/quill"
	"github.com/Paranoid-AF/quill/generate"
	"github.com/Paranoid-AF/quill/trigger"
)

const (
	prompt    = "> "
	contextID = "repl"
)

// errQuit ends the session loop.
var errQuit = errors.New("quit")

// inbox queues notifications without blocking the session that produced
// them.
type inbox struct {
	mu     sync.Mutex
	items  []quill.Notification
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (b *inbox) push(n quill.Notification) {
	b.mu.Lock()
	b.items = append(b.items, n)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) drain() []quill.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// Session is the interactive loop: it owns the buffer, the debouncer and
// the suggestion or chat currently shown.
type Session struct {
	engine *generate.Engine
	tty    io.Writer
	log    io.Writer

	buf      Buffer
	language string
	path     string

	debouncer *trigger.Debouncer
	fire      chan struct{}
	inbox     *inbox
	chatBusy  atomic.Bool

	ghost      string
	suggestion *Entry
	suggestID  string
	chat       *Entry
	chatID     string
}

// NewSession creates a session writing UI to tty and the TOML log to log.
func NewSession(engine *generate.Engine, tty, log io.Writer, cwd string) *Session {
	s := &Session{
		engine:   engine,
		tty:      tty,
		log:      log,
		language: "go",
		path:     filepath.Join(cwd, "repl"),
		fire:     make(chan struct{}, 1),
		inbox:    newInbox(),
	}
	cfg := engine.Config()
	s.debouncer = trigger.New(quill.TriggerDelay(cfg), s.onFire, trigger.WithGate(func() bool {
		return quill.AutoCompleteEnabled(cfg) && !s.chatBusy.Load()
	}))
	return s
}

func (s *Session) onFire() {
	select {
	case s.fire <- struct{}{}:
	default:
	}
}

// Run processes keys and notifications until the user quits or keys is
// closed.
func (s *Session) Run(ctx context.Context, keys <-chan Key) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.debouncer.Run(ctx)
	defer s.engine.Cancel(contextID)

	s.redraw()
	for {
		select {
		case <-ctx.Done():
			return
		case k, ok := <-keys:
			if !ok {
				return
			}
			if err := s.HandleKey(k); err != nil {
				s.finishSuggestion("")
				return
			}
		case <-s.fire:
			s.suggest(true)
		case <-s.inbox.signal:
			for _, n := range s.inbox.drain() {
				s.HandleNotification(n)
			}
		}
		s.redraw()
	}
}

// HandleKey applies one key press. It returns errQuit when the session
// should end.
func (s *Session) HandleKey(k Key) error {
	switch k.Kind {
	case KeyInterrupt, KeyEOF:
		fmt.Fprint(s.tty, "\r\n")
		return errQuit

	case KeyRune:
		s.buf.Insert(string(k.Rune))
		s.edited(trigger.CharTyped)

	case KeyEnter:
		before, after := s.buf.Line()
		if line := strings.TrimSpace(before + after); strings.HasPrefix(line, ":") {
			s.buf.TakeLine()
			fmt.Fprintf(s.tty, "\r\x1b[K%s%s\r\n", prompt, line)
			return s.command(line)
		}
		fmt.Fprint(s.tty, "\r\n")
		s.buf.Insert("\n")
		s.edited(trigger.EnterTyped)
		s.debouncer.Record(trigger.DocumentChanged)

	case KeyBackspace:
		if s.buf.Backspace() {
			s.edited(trigger.DocumentChanged)
		}
	case KeyDelete:
		if s.buf.Delete() {
			s.edited(trigger.DocumentChanged)
		}
	case KeyClearLine:
		s.buf.TakeLine()
		s.edited(trigger.DocumentChanged)

	case KeyLeft, KeyRight, KeyHome, KeyEnd:
		moves := map[KeyKind]func() bool{KeyLeft: s.buf.Left, KeyRight: s.buf.Right, KeyHome: s.buf.Home, KeyEnd: s.buf.End}
		if moves[k.Kind]() {
			s.edited(trigger.CaretPositionChanged)
		}

	case KeyTab:
		if s.ghost == "" && s.suggestion == nil {
			s.suggest(false)
			return nil
		}
		if text, ok := s.engine.Accept(contextID); ok {
			s.buf.Insert(text)
			s.finishSuggestion(text)
			s.debouncer.Record(trigger.DocumentChanged)
		}

	case KeyNext, KeyPrevious:
		move := s.engine.Next
		if k.Kind == KeyPrevious {
			move = s.engine.Previous
		}
		if n, ok := move(contextID); ok {
			s.showCandidates(n)
		}

	case KeyEsc:
		if s.ghost != "" || s.suggestion != nil {
			s.dismiss()
		} else if s.chatBusy.Load() {
			s.engine.Cancel(contextID)
			s.finishChat("stopped", nil)
		}
	}
	return nil
}

// edited records an edit for the debouncer and drops the shown suggestion,
// which no longer matches the text.
func (s *Session) edited(t trigger.EditType) {
	s.debouncer.Record(t)
	if s.ghost != "" || s.suggestion != nil {
		s.dismiss()
	}
}

func (s *Session) dismiss() {
	s.engine.Dismiss(contextID)
	s.finishSuggestion("")
}

func (s *Session) document() quill.Document {
	return quill.Document{Path: s.path, Language: s.language, Text: s.buf.Text(), Offset: s.buf.Offset()}
}

func (s *Session) suggest(auto bool) {
	s.finishSuggestion("")
	doc := s.document()
	sess, err := s.engine.Suggest(contextID, doc, auto, s.inbox.push)
	if err != nil {
		s.showError(quill.WireError(err))
		return
	}
	if sess == nil {
		return
	}
	s.suggestID = sess.ID
	s.suggestion = &Entry{
		Timestamp: time.Now(),
		Kind:      "suggestion",
		Session:   sess.ID,
		Suggestion: &SuggestionEntry{
			Language: doc.Language,
			Prefix:   lastLines(doc.Text[:min(doc.Offset, len(doc.Text))], 3),
			Outcome:  "pending",
		},
	}
}

// HandleNotification applies one engine notification.
func (s *Session) HandleNotification(n quill.Notification) {
	switch n.Type {
	case quill.NotifyCandidates:
		if n.SessionID == s.suggestID {
			s.showCandidates(n)
		}

	case quill.NotifyDone, quill.NotifyClosed, quill.NotifyEmpty:
		if n.SessionID != s.suggestID || s.suggestion == nil {
			return
		}
		s.showCandidates(n)
		s.suggestion.Suggestion.Outcome = n.Type
		s.suggestion.Suggestion.Candidates = n.Candidates
		if n.Type == quill.NotifyEmpty {
			s.finishSuggestion("")
		}

	case quill.NotifyUsage:
		switch {
		case n.SessionID == s.suggestID && s.suggestion != nil:
			s.suggestion.Usage = usageEntry(n.Usage)
		case n.SessionID == s.chatID && s.chat != nil:
			s.chat.Usage = usageEntry(n.Usage)
		}

	case quill.NotifyError:
		s.showError(n.Error)
		switch {
		case n.SessionID == s.suggestID && s.suggestion != nil:
			s.suggestion.Suggestion.Outcome = n.Type
			s.suggestion.Suggestion.Candidates = n.Candidates
			s.suggestion.Error = errorEntry(n.Error)
			s.ghost = ""
			s.finishSuggestion("")
		case n.SessionID == s.chatID && s.chat != nil:
			s.finishChat("error", n.Error)
		}

	case quill.NotifyChatDelta:
		if n.SessionID != s.chatID || s.chat == nil {
			return
		}
		s.chat.Chat.Reply += n.Text
		io.WriteString(s.tty, strings.ReplaceAll(n.Text, "\n", "\r\n"))

	case quill.NotifyChatDone:
		if n.SessionID != s.chatID || s.chat == nil {
			return
		}
		s.chat.Chat.Reply = n.Text
		s.finishChat("done", nil)

	case quill.NotifyChatStopped:
		if n.SessionID != s.chatID || s.chat == nil {
			return
		}
		s.chat.Chat.Reply = n.Text
		s.finishChat("stopped", nil)
	}
}

func (s *Session) showCandidates(n quill.Notification) {
	if n.Current >= 0 && n.Current < len(n.Candidates) {
		s.ghost = n.Candidates[n.Current]
	}
}

func (s *Session) showError(e *quill.Error) {
	if e == nil {
		return
	}
	fmt.Fprintf(s.tty, "\r\x1b[Kerror [%s]: %s\r\n", e.Code, e.Message)
}

// finishSuggestion logs the tracked suggestion and clears it.
func (s *Session) finishSuggestion(accepted string) {
	s.ghost = ""
	if s.suggestion == nil {
		return
	}
	e := s.suggestion
	s.suggestion, s.suggestID = nil, ""
	switch {
	case accepted != "":
		e.Suggestion.Accepted = accepted
	case e.Suggestion.Outcome == "pending":
		e.Suggestion.Outcome = "cancelled"
	}
	s.writeLog(e)
}

func (s *Session) startChat(promptType string, args map[string]string) {
	if s.chatBusy.Load() {
		s.engine.Cancel(contextID)
		s.finishChat("stopped", nil)
	}
	s.dismiss()
	sess, err := s.engine.Chat(contextID, promptType, args, s.inbox.push)
	if err != nil {
		if errors.Is(err, generate.ErrInvalidRequest) {
			s.showError(&quill.Error{Code: "invalid_request", Message: err.Error()})
		} else {
			s.showError(quill.WireError(err))
		}
		return
	}
	s.chatBusy.Store(true)
	s.chatID = sess.ID
	s.chat = &Entry{
		Timestamp: time.Now(),
		Kind:      "chat",
		Session:   sess.ID,
		Chat:      &ChatEntry{PromptType: promptType, Message: args["text"]},
	}
	fmt.Fprint(s.tty, "\r\n")
}

func (s *Session) finishChat(outcome string, e *quill.Error) {
	s.chatBusy.Store(false)
	if s.chat == nil {
		return
	}
	entry := s.chat
	s.chat, s.chatID = nil, ""
	entry.Error = errorEntry(e)
	if outcome != "done" {
		entry.Kind = "chat_" + outcome
	}
	fmt.Fprint(s.tty, "\r\n\r\n")
	s.writeLog(entry)
}

func (s *Session) writeLog(e *Entry) {
	if err := writeEntry(s.log, e); err != nil {
		slog.Warn("failed to write log entry", "error", err)
	}
}

// command runs a ":" command line.
func (s *Session) command(line string) error {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "q", "quit":
		return errQuit
	case "lang":
		if arg == "" {
			fmt.Fprintf(s.tty, "language: %s\r\n", s.language)
			return nil
		}
		s.language = arg
	case "cwd":
		info, err := os.Stat(arg)
		if err != nil || !info.IsDir() {
			fmt.Fprintf(s.tty, "error: not a directory: %s\r\n", arg)
			return nil
		}
		s.path = filepath.Join(arg, "repl")
		go s.engine.WarmContext(context.Background(), arg)
		fmt.Fprintf(s.tty, "cwd: %s\r\n", arg)
	case "clear":
		s.dismiss()
		s.buf.Reset()
	case "new":
		if err := s.engine.NewChat(contextID); err != nil {
			s.showError(&quill.Error{Code: "archive_error", Message: err.Error()})
		}
		s.finishChat("stopped", nil)
	case "resume":
		ok, err := s.engine.ResumeLatest(contextID)
		switch {
		case err != nil:
			s.showError(&quill.Error{Code: "resume_error", Message: err.Error()})
		case !ok:
			fmt.Fprint(s.tty, "no saved conversation\r\n")
		default:
			fmt.Fprintf(s.tty, "resumed conversation with %d turns\r\n", s.engine.Conversation(contextID).Len())
		}
	case "chat":
		s.startChat(generate.PromptChat, map[string]string{"text": arg})
	default:
		// Any other prompt type works on the buffer as code.
		s.startChat(name, map[string]string{"text": arg, "code": s.buf.Text(), "language": s.language})
	}
	return nil
}

// redraw repaints the caret line with the previewed candidate as dim ghost
// text. Nothing is drawn while a chat reply is streaming.
func (s *Session) redraw() {
	if s.chatBusy.Load() {
		return
	}
	before, after := s.buf.Line()
	ghost, _, more := strings.Cut(s.ghost, "\n")
	if more {
		ghost += "…"
	}
	fmt.Fprintf(s.tty, "\r\x1b[K%s%s\x1b[2m%s\x1b[0m%s", prompt, before, ghost, after)
	if back := utf8.RuneCountInString(ghost) + utf8.RuneCountInString(after); back > 0 {
		fmt.Fprintf(s.tty, "\x1b[%dD", back)
	}
}
